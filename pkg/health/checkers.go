package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// FuncChecker adapts a ping function into a Checker.
type FuncChecker struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (f FuncChecker) Name() string { return f.CheckName }

func (f FuncChecker) Check(ctx context.Context) CheckResult {
	if f.Fn == nil {
		return CheckResult{Status: StatusDown, Message: "no check function"}
	}
	start := time.Now()
	err := f.Fn(ctx)
	res := CheckResult{Status: StatusUp, Latency: time.Since(start)}
	if err != nil {
		res.Status = StatusDown
		res.Message = err.Error()
	}
	return res
}

// NewPostgresChecker pings the record database.
func NewPostgresChecker(db *sql.DB) Checker {
	return FuncChecker{CheckName: "postgres", Fn: func(ctx context.Context) error {
		if db == nil {
			return errors.New("database not configured")
		}
		return db.PingContext(ctx)
	}}
}

// NewGoRedisChecker pings the Redis that holds sessions and progress channels.
func NewGoRedisChecker(client redis.UniversalClient) Checker {
	return FuncChecker{CheckName: "redis", Fn: func(ctx context.Context) error {
		if client == nil {
			return errors.New("redis not configured")
		}
		return client.Ping(ctx).Err()
	}}
}

// NewHTTPChecker GETs url and expects a status below 400.
func NewHTTPChecker(name, url string) Checker {
	return NewHTTPCheckerWithHeader(name, url, nil)
}

// NewHTTPCheckerWithHeader is NewHTTPChecker with extra request headers such as an API key.
func NewHTTPCheckerWithHeader(name, url string, header http.Header) Checker {
	if name == "" {
		name = "http"
	}
	client := &http.Client{Timeout: defaultCheckTimeout}
	return FuncChecker{CheckName: name, Fn: func(ctx context.Context) error {
		if url == "" {
			return errors.New("empty url")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("unexpected status %s", resp.Status)
		}
		return nil
	}}
}
