package opstate

import (
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// entry is one namespace/key/value triple.
type entry struct{ ns, key, val string }

func seed(t *testing.T, s *Store, entries ...entry) {
	t.Helper()
	for _, e := range entries {
		if err := s.Set(e.ns, e.key, e.val); err != nil {
			t.Fatalf("Set(%s/%s): %v", e.ns, e.key, err)
		}
	}
}

func TestGet(t *testing.T) {
	tests := []struct {
		name    string
		seed    []entry
		ns, key string
		want    string
	}{
		{name: "missing key", ns: "rate", key: "file-write", want: ""},
		{
			name: "stored value",
			seed: []entry{{"rate", "file-write", `{"count":2}`}},
			ns:   "rate", key: "file-write",
			want: `{"count":2}`,
		},
		{
			name: "last write wins",
			seed: []entry{{"rate", "read-data", "v1"}, {"rate", "read-data", "v2"}},
			ns:   "rate", key: "read-data",
			want: "v2",
		},
		{
			name: "namespaces are separate",
			seed: []entry{{"rate", "key", "a"}, {"approvals", "key", "b"}},
			ns:   "approvals", key: "key",
			want: "b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStore(t)
			seed(t, s, tt.seed...)

			got, err := s.Get(tt.ns, tt.key)
			if err != nil {
				t.Fatalf("Get() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Get(%s/%s) = %q, want %q", tt.ns, tt.key, got, tt.want)
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	s := testStore(t)

	var seen []string
	inc := func(current string) (string, error) {
		seen = append(seen, current)
		return current + "x", nil
	}

	for _, want := range []string{"x", "xx", "xxx"} {
		got, err := s.Update("rate", "file-write", inc)
		if err != nil {
			t.Fatalf("Update() error: %v", err)
		}
		if got != want {
			t.Errorf("Update() = %q, want %q", got, want)
		}
	}
	if seen[0] != "" {
		t.Errorf("first Update saw %q, want empty for missing key", seen[0])
	}

	val, err := s.Get("rate", "file-write")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "xxx" {
		t.Errorf("Get() = %q, want %q", val, "xxx")
	}
}

func TestUpdate_ErrorWritesNothing(t *testing.T) {
	s := testStore(t)

	if err := s.Set("ns", "key", "keep"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	errBoom := errors.New("boom")
	_, err := s.Update("ns", "key", func(string) (string, error) { return "replaced", errBoom })
	if !errors.Is(err, errBoom) {
		t.Fatalf("Update() error = %v, want %v", err, errBoom)
	}

	val, err := s.Get("ns", "key")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "keep" {
		t.Errorf("Get() = %q after failed Update, want %q", val, "keep")
	}
}

func TestUpdate_Concurrent(t *testing.T) {
	s := testStore(t)

	const workers = 8
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update("ns", "counter", func(current string) (string, error) {
				n, _ := strconv.Atoi(current)
				return strconv.Itoa(n + 1), nil
			})
			if err != nil {
				t.Errorf("Update() error: %v", err)
			}
		}()
	}
	wg.Wait()

	val, err := s.Get("ns", "counter")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != strconv.Itoa(workers) {
		t.Errorf("counter = %q, want %d", val, workers)
	}
}

func TestListAndDeleteNamespace(t *testing.T) {
	s := testStore(t)
	seed(t, s,
		entry{"rate", "file-write", "1"},
		entry{"rate", "execute-command", "2"},
		entry{"other", "file-write", "3"},
	)

	got, err := s.List("rate")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 || got["file-write"] != "1" || got["execute-command"] != "2" {
		t.Errorf("List(rate) = %v", got)
	}

	if err := s.DeleteNamespace("rate"); err != nil {
		t.Fatalf("DeleteNamespace() error: %v", err)
	}
	got, err = s.List("rate")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("List(rate) after delete = %v, want empty non-nil map", got)
	}

	if v, _ := s.Get("other", "file-write"); v != "3" {
		t.Errorf("other/file-write = %q, want untouched %q", v, "3")
	}

	// Deleting a namespace with no entries is fine.
	if err := s.DeleteNamespace("never-used"); err != nil {
		t.Errorf("DeleteNamespace(never-used): %v", err)
	}
}

func TestStore_PersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(1): %v", err)
	}
	if _, err := s1.Update("rate", "file-write", func(string) (string, error) { return "persistent", nil }); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	s1.Close()

	s2, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(2): %v", err)
	}
	defer s2.Close()

	if v, err := s2.Get("rate", "file-write"); err != nil || v != "persistent" {
		t.Errorf("Get() after reopen = %q, %v; want %q", v, err, "persistent")
	}
}

func TestNewStore_MissingDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "missing", "nested", "state.db")
	if _, err := NewStore(dbPath); err == nil {
		t.Error("NewStore() should fail when the parent directory does not exist")
	}
}
