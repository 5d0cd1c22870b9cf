package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

func TestStorageUpload(t *testing.T) {
	var gotPath, gotAuth, gotKey, gotType, gotUpsert string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("apikey")
		gotType = r.Header.Get("Content-Type")
		gotUpsert = r.Header.Get("x-upsert")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"Key":"images/u1/original/1_a.png"}`))
	}))
	defer server.Close()

	c := NewStorageClient(StorageConfig{BaseURL: server.URL + "/", ServiceKey: "svc", Bucket: "images"}, nil, nil)
	url, err := c.Upload(context.Background(), "u1/original/1_a.png", pngHeader, "image/png")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if gotPath != "/storage/v1/object/images/u1/original/1_a.png" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotAuth != "Bearer svc" || gotKey != "svc" || gotType != "image/png" || gotUpsert != "true" {
		t.Fatalf("unexpected headers auth=%q key=%q type=%q upsert=%q", gotAuth, gotKey, gotType, gotUpsert)
	}
	if string(gotBody) != string(pngHeader) {
		t.Fatalf("body not forwarded")
	}
	if url != server.URL+"/storage/v1/object/public/images/u1/original/1_a.png" {
		t.Fatalf("unexpected public url %s", url)
	}
}

func TestStorageUploadError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"statusCode":"403","error":"Unauthorized","message":"new row violates row-level security policy"}`))
	}))
	defer server.Close()

	c := NewStorageClient(StorageConfig{BaseURL: server.URL, Bucket: "images"}, nil, nil)
	_, err := c.Upload(context.Background(), "u1/original/x.png", pngHeader, "")
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if serr.StatusCode != http.StatusForbidden || !strings.Contains(serr.Message, "row-level security") {
		t.Fatalf("unexpected error %+v", serr)
	}
}

func TestStorageDelete(t *testing.T) {
	var method, path string
	var body map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c := NewStorageClient(StorageConfig{BaseURL: server.URL, Bucket: "images"}, nil, nil)
	if err := c.Delete(context.Background(), "u1/original/x.png"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if method != http.MethodDelete || path != "/storage/v1/object/images" {
		t.Fatalf("unexpected request %s %s", method, path)
	}
	if len(body["prefixes"]) != 1 || body["prefixes"][0] != "u1/original/x.png" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestDownloadSharesConcurrentRequestsAndCaches(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngHeader)
	}))
	defer server.Close()

	c := NewStorageClient(StorageConfig{BaseURL: server.URL, Bucket: "images", DownloadCache: time.Minute}, nil, nil)
	src := server.URL + "/image/mask.png"

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Download(context.Background(), src); err != nil {
				t.Errorf("Download: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	blob, err := c.Download(context.Background(), src)
	if err != nil {
		t.Fatalf("cached Download: %v", err)
	}
	if blob.ContentType != "image/png" {
		t.Fatalf("unexpected content type %s", blob.ContentType)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("expected a single upstream request, got %d", n)
	}
}

func TestDownloadInline(t *testing.T) {
	c := NewStorageClient(StorageConfig{BaseURL: "http://unused", Bucket: "images"}, nil, nil)
	encoded := base64.StdEncoding.EncodeToString(pngHeader)

	blob, err := c.Download(context.Background(), "data:image/png;base64,"+encoded)
	if err != nil || blob.ContentType != "image/png" || string(blob.Data) != string(pngHeader) {
		t.Fatalf("data uri: blob=%+v err=%v", blob, err)
	}

	blob, err = c.Download(context.Background(), encoded)
	if err != nil || blob.ContentType != "image/png" {
		t.Fatalf("bare base64: blob=%+v err=%v", blob, err)
	}

	if _, err := c.Download(context.Background(), "data:image/png,notbase64"); err == nil {
		t.Fatal("expected error for non-base64 data uri")
	}
}

func TestRehost(t *testing.T) {
	var uploaded []byte
	var uploadPath string
	mux := http.NewServeMux()
	mux.HandleFunc("/provider/result.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngHeader)
	})
	mux.HandleFunc("/storage/v1/object/images/", func(w http.ResponseWriter, r *http.Request) {
		uploadPath = r.URL.Path
		uploaded, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewStorageClient(StorageConfig{BaseURL: server.URL, Bucket: "images"}, nil, nil)
	url, err := c.Rehost(context.Background(), server.URL+"/provider/result.png", "u1/processed/r1/mask_1.png")
	if err != nil {
		t.Fatalf("Rehost: %v", err)
	}
	if uploadPath != "/storage/v1/object/images/u1/processed/r1/mask_1.png" || string(uploaded) != string(pngHeader) {
		t.Fatalf("unexpected upload %s (%d bytes)", uploadPath, len(uploaded))
	}
	if !strings.HasSuffix(url, "/storage/v1/object/public/images/u1/processed/r1/mask_1.png") {
		t.Fatalf("unexpected url %s", url)
	}
}

func TestRehostDownloadFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	c := NewStorageClient(StorageConfig{BaseURL: server.URL, Bucket: "images"}, nil, nil)
	_, err := c.Rehost(context.Background(), server.URL+"/expired.png", "u1/processed/r1/final_1.png")
	var serr *StorageError
	if !errors.As(err, &serr) || serr.Op != "download" || serr.StatusCode != http.StatusGone {
		t.Fatalf("expected download StorageError, got %v", err)
	}
}

func TestArtifactPaths(t *testing.T) {
	now := time.UnixMilli(1767225600000)

	orig := OriginalPath("u1", ".JPG", now)
	if !strings.HasPrefix(orig, "u1/original/1767225600000_") || !strings.HasSuffix(orig, ".jpg") {
		t.Fatalf("unexpected original path %s", orig)
	}
	if OriginalPath("u1", ".jpg", now) == orig {
		t.Fatal("expected random suffix to differ")
	}
	if got := ProcessedPath("u1", "r1", "mask", now); got != "u1/processed/r1/mask_1767225600000.png" {
		t.Fatalf("unexpected processed path %s", got)
	}
}
