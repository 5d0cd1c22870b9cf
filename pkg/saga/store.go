package saga

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/backdrop/studio/pkg/kv"
)

var ErrRunNotFound = errors.New("run log not found")

const runKeyPrefix = "studio:run:"

// KVRunStore keeps run logs as JSON next to the sessions, under the same expiry.
type KVRunStore struct {
	store kv.Store
}

func NewKVRunStore(store kv.Store) *KVRunStore {
	return &KVRunStore{store: store}
}

func (s *KVRunStore) Put(ctx context.Context, log *RunLog) error {
	raw, err := json.Marshal(log)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, runKeyPrefix+log.ID, raw)
}

func (s *KVRunStore) Get(ctx context.Context, id string) (*RunLog, error) {
	raw, err := s.store.Get(ctx, runKeyPrefix+id)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return nil, ErrRunNotFound
	case err != nil:
		return nil, err
	}
	log := new(RunLog)
	if err := json.Unmarshal(raw, log); err != nil {
		return nil, err
	}
	return log, nil
}
