package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/backdrop/studio/internal/client"
	"github.com/backdrop/studio/internal/repository"
	"github.com/backdrop/studio/pkg/kv"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

// memRecords applies the record status table in memory.
type memRecords struct {
	mu   sync.Mutex
	seq  int
	recs map[string]*repository.ImageRecord
	now  time.Time
}

func newMemRecords() *memRecords {
	return &memRecords{recs: make(map[string]*repository.ImageRecord), now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (m *memRecords) Create(_ context.Context, rec *repository.ImageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("rec-%d", m.seq)
	}
	rec.Status = repository.StatusUploaded
	rec.CreatedAt, rec.UpdatedAt = m.now, m.now
	cp := *rec
	m.recs[rec.ID] = &cp
	return nil
}

func (m *memRecords) Get(_ context.Context, id, userID string) (*repository.ImageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok || rec.UserID != userID {
		return nil, repository.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memRecords) ListByUser(_ context.Context, userID string, limit int) ([]*repository.ImageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.ImageRecord
	for _, rec := range m.recs {
		if rec.UserID == userID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRecords) Advance(_ context.Context, rec *repository.ImageRecord, to repository.Status, upd repository.RecordUpdate) (*repository.ImageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.recs[rec.ID]
	if !ok {
		return nil, repository.ErrRecordNotFound
	}
	if stored.Status != rec.Status {
		return nil, repository.ErrStatusConflict
	}
	path, ok := repository.PathTo(stored.Status, to)
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, stored.Status, to)
	}
	if len(path) == 0 {
		cp := *stored
		return &cp, nil
	}
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&stored.MaskProviderURL, upd.MaskProviderURL)
	set(&stored.MaskStorageURL, upd.MaskStorageURL)
	set(&stored.FinalProviderURL, upd.FinalProviderURL)
	set(&stored.FinalStorageURL, upd.FinalStorageURL)
	set(&stored.Style, upd.Style)
	set(&stored.Prompt, upd.Prompt)
	set(&stored.NegativePrompt, upd.NegativePrompt)
	set(&stored.ErrorMessage, upd.ErrorMessage)
	if to != repository.StatusError && upd.ErrorMessage == nil {
		stored.ErrorMessage = ""
	}
	stored.Cost += upd.AddCost
	stored.Status = to
	if to == repository.StatusCompleted {
		at := m.now
		stored.CompletedAt = &at
	}
	cp := *stored
	return &cp, nil
}

func (m *memRecords) FailStale(_ context.Context, cutoff time.Time, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rec := range m.recs {
		if rec.Status.Processing() && rec.UpdatedAt.Before(cutoff) {
			rec.Status = repository.StatusError
			rec.ErrorMessage = message
			n++
		}
	}
	return n, nil
}

func (m *memRecords) get(t *testing.T, id string) *repository.ImageRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		t.Fatalf("record %s not found", id)
	}
	cp := *rec
	return &cp
}

func (m *memRecords) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

type fakeProvider struct {
	mu        sync.Mutex
	removeFn  func(ctx context.Context, input string) (*client.ImageResult, error)
	inpaintFn func(ctx context.Context, req client.InpaintRequest) (*client.ImageResult, error)
	removals  []client.BackgroundRemovalOptions
	inpaints  []client.InpaintRequest
}

func (p *fakeProvider) RemoveBackground(ctx context.Context, input string, opts client.BackgroundRemovalOptions) (*client.ImageResult, error) {
	p.mu.Lock()
	p.removals = append(p.removals, opts)
	fn := p.removeFn
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, input)
	}
	return &client.ImageResult{TaskUUID: "t-mask", ImageURL: "https://provider.test/mask.png", Cost: 0.01}, nil
}

func (p *fakeProvider) Inpaint(ctx context.Context, req client.InpaintRequest) (*client.ImageResult, error) {
	p.mu.Lock()
	p.inpaints = append(p.inpaints, req)
	fn := p.inpaintFn
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &client.ImageResult{TaskUUID: "t-final", ImageURL: "https://provider.test/final.png", Cost: 0.02}, nil
}

type fakeArtifacts struct {
	mu        sync.Mutex
	objects   map[string][]byte
	rehosted  map[string]string
	deleted   []string
	uploadErr error
	rehostErr error
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{objects: make(map[string][]byte), rehosted: make(map[string]string)}
}

func (a *fakeArtifacts) Upload(_ context.Context, path string, data []byte, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.uploadErr != nil {
		return "", a.uploadErr
	}
	a.objects[path] = data
	return "https://cdn.test/" + path, nil
}

func (a *fakeArtifacts) Delete(_ context.Context, path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.objects, path)
	a.deleted = append(a.deleted, path)
	return nil
}

func (a *fakeArtifacts) Rehost(_ context.Context, source, path string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rehostErr != nil {
		return "", a.rehostErr
	}
	a.rehosted[path] = source
	return "https://cdn.test/" + path, nil
}

// failingRecords makes Create fail after the artifact is stored.
type failingRecords struct {
	*memRecords
}

func (f failingRecords) Create(context.Context, *repository.ImageRecord) error {
	return errors.New("db down")
}

type testEnv struct {
	svc       *WorkflowService
	records   *memRecords
	provider  *fakeProvider
	artifacts *fakeArtifacts
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{records: newMemRecords(), provider: &fakeProvider{}, artifacts: newFakeArtifacts()}
	env.svc = newTestService(env.records, env.provider, env.artifacts)
	return env
}

func newTestService(records ImageStore, provider ImageProvider, artifacts ArtifactStore) *WorkflowService {
	return NewWorkflowService(Deps{
		Sessions:  kv.NewMemoryStore(time.Hour),
		Records:   records,
		Provider:  provider,
		Artifacts: artifacts,
	}, Config{
		MaxUploadBytes: 1 << 10,
		QualityBooster: "high quality, photorealistic",
		NegativePrompt: "blurry",
		InpaintModel:   "runware:102@1",
	})
}
