package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/backdrop/studio/internal/metrics"
	"github.com/backdrop/studio/pkg/logger"
)

const staleMessage = "processing timed out"

// Sweeper periodically fails image records stuck in a processing status, e.g. after a crash
// in the middle of a provider call.
type Sweeper struct {
	records    ImageStore
	staleAfter time.Duration
	metrics    *metrics.Metrics
	log        *logger.Logger
	now        func() time.Time

	parser cron.Parser
	cron   *cron.Cron
}

func NewSweeper(records ImageStore, staleAfter time.Duration, m *metrics.Metrics, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.Nop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Sweeper{
		records:    records,
		staleAfter: staleAfter,
		metrics:    m,
		log:        log,
		now:        time.Now,
		parser:     parser,
		cron:       cron.New(cron.WithParser(parser)),
	}
}

// Sweep fails every record whose processing started more than staleAfter ago.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.staleAfter)
	n, err := s.records.FailStale(ctx, cutoff, staleMessage)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.AddStaleRecords(int(n))
		s.log.WithContext(ctx).Warnf("stale records failed", map[string]interface{}{
			"count":  n,
			"cutoff": cutoff,
		})
	}
	return n, nil
}

// Start schedules Sweep with a cron spec such as "@every 5m" and blocks until ctx is done.
func (s *Sweeper) Start(ctx context.Context, spec string) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", spec, err)
	}

	s.cron.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Sweep(ctx); err != nil {
			s.log.WithError(err).Error("stale record sweep failed")
		}
	}))

	s.cron.Start()
	s.log.Infof("sweeper started", map[string]interface{}{"schedule": spec, "staleAfter": s.staleAfter.String()})
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
