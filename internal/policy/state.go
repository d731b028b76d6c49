package policy

import (
	"context"
	"encoding/json"
	"time"
)

// RateNamespace is the state namespace rate windows are stored under.
const RateNamespace = "rate"

// StateStore is a namespaced key-value store with atomic updates, such
// as an opstate.Store.
type StateStore interface {
	Update(namespace, key string, fn func(current string) (string, error)) (string, error)
	List(namespace string) (map[string]string, error)
	DeleteNamespace(namespace string) error
}

// Window is the persisted state of one tool's rate window.
type Window struct {
	Count int       `json:"count"`
	Start time.Time `json:"start"`
}

// StateRateStore keeps rate windows in a [StateStore] so they survive
// process restarts.
type StateRateStore struct {
	store StateStore
}

// NewStateRateStore creates a rate store on top of s.
func NewStateRateStore(s StateStore) *StateRateStore {
	return &StateRateStore{store: s}
}

// Hit implements [RateStore].
func (s *StateRateStore) Hit(ctx context.Context, name string, now time.Time, window time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count int
	_, err := s.store.Update(RateNamespace, name, func(current string) (string, error) {
		w, ok := decodeWindow(current)
		if !ok || now.Sub(w.Start) > window {
			w = Window{Count: 1, Start: now}
		} else {
			w.Count++
		}
		count = w.Count

		b, err := json.Marshal(w)
		return string(b), err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Windows returns every stored window by tool name. Entries that do not
// decode are skipped.
func (s *StateRateStore) Windows() (map[string]Window, error) {
	raw, err := s.store.List(RateNamespace)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Window, len(raw))
	for name, v := range raw {
		if w, ok := decodeWindow(v); ok {
			out[name] = w
		}
	}
	return out, nil
}

// Reset forgets every window.
func (s *StateRateStore) Reset() error {
	return s.store.DeleteNamespace(RateNamespace)
}

func decodeWindow(v string) (Window, bool) {
	if v == "" {
		return Window{}, false
	}
	var w Window
	if err := json.Unmarshal([]byte(v), &w); err != nil || w.Count <= 0 {
		return Window{}, false
	}
	return w, true
}
