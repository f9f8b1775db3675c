package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/developingchet/ip-tracker/internal/storage"
)

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu         sync.Mutex
	requests   []storage.RequestLogEntry
	blocked    map[string]storage.BlockedAddress
	suspicious map[string]storage.SuspiciousAddress

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// calls counts invocations per method name.
	calls map[string]int

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		blocked:    make(map[string]storage.BlockedAddress),
		suspicious: make(map[string]storage.SuspiciousAddress),
		errors:     make(map[string]error),
		calls:      make(map[string]int),
		Size:       1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// Calls returns how many times the named method has been invoked.
func (m *MockStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Requests returns a copy of every appended request log entry.
func (m *MockStore) Requests() []storage.RequestLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.RequestLogEntry, len(m.requests))
	copy(out, m.requests)
	return out
}

// enter records the call and pops any injected error. Caller holds m.mu.
func (m *MockStore) enter(method string) error {
	m.calls[method]++
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- Request history --------------------------------------------------------

func (m *MockStore) AppendRequestLog(_ context.Context, entry storage.RequestLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AppendRequestLog"); err != nil {
		return err
	}
	m.requests = append(m.requests, entry)
	return nil
}

func (m *MockStore) CountRequestsByAddress(_ context.Context, since time.Time) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CountRequestsByAddress"); err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, r := range m.requests {
		if !r.Timestamp.Before(since) {
			counts[r.Address]++
		}
	}
	return counts, nil
}

func (m *MockStore) AddressesWithPathPrefix(_ context.Context, since time.Time, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AddressesWithPathPrefix"); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, r := range m.requests {
		if !r.Timestamp.Before(since) && strings.HasPrefix(r.Path, prefix) {
			seen[r.Address] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MockStore) PruneRequestLogs(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PruneRequestLogs"); err != nil {
		return 0, err
	}
	kept := m.requests[:0]
	pruned := 0
	for _, r := range m.requests {
		if r.Timestamp.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	m.requests = kept
	return pruned, nil
}

// --- Denylist ---------------------------------------------------------------

func (m *MockStore) BlockExists(_ context.Context, addr string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("BlockExists"); err != nil {
		return false, err
	}
	_, ok := m.blocked[addr]
	return ok, nil
}

func (m *MockStore) BlockAdd(_ context.Context, addr, source string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("BlockAdd"); err != nil {
		return false, err
	}
	if _, ok := m.blocked[addr]; ok {
		return false, nil
	}
	m.blocked[addr] = storage.BlockedAddress{Address: addr, Source: source, CreatedAt: time.Now().UTC()}
	return true, nil
}

func (m *MockStore) BlockGet(_ context.Context, addr string) (*storage.BlockedAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("BlockGet"); err != nil {
		return nil, err
	}
	rec, ok := m.blocked[addr]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (m *MockStore) BlockDelete(_ context.Context, addr string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("BlockDelete"); err != nil {
		return false, err
	}
	if _, ok := m.blocked[addr]; !ok {
		return false, nil
	}
	delete(m.blocked, addr)
	return true, nil
}

func (m *MockStore) BlockList(_ context.Context) ([]storage.BlockedAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("BlockList"); err != nil {
		return nil, err
	}
	out := make([]storage.BlockedAddress, 0, len(m.blocked))
	for _, b := range m.blocked {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// --- Suspicious addresses ---------------------------------------------------

func (m *MockStore) UpsertSuspicious(_ context.Context, addr, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertSuspicious"); err != nil {
		return err
	}
	m.suspicious[addr] = storage.SuspiciousAddress{Address: addr, Reason: reason, UpdatedAt: time.Now().UTC()}
	return nil
}

func (m *MockStore) GetSuspicious(_ context.Context, addr string) (*storage.SuspiciousAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetSuspicious"); err != nil {
		return nil, err
	}
	rec, ok := m.suspicious[addr]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (m *MockStore) ListSuspicious(_ context.Context) ([]storage.SuspiciousAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListSuspicious"); err != nil {
		return nil, err
	}
	out := make([]storage.SuspiciousAddress, 0, len(m.suspicious))
	for _, s := range m.suspicious {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// --- Utility ----------------------------------------------------------------

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error { return nil }

// compile-time interface check
var _ storage.Store = (*MockStore)(nil)
