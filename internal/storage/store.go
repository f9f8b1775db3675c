package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups for records that do not exist.
var ErrNotFound = errors.New("storage: not found")

// RequestLogEntry is one gated request. Entries are immutable once written.
type RequestLogEntry struct {
	Address   string
	Path      string
	Timestamp time.Time
	Country   *string // nil = unknown
	City      *string // nil = unknown
}

// BlockedAddress is a denylisted address.
type BlockedAddress struct {
	Address   string
	Source    string // "cli", "crowdsec", ...
	CreatedAt time.Time
}

// SuspiciousAddress is written by the anomaly detector. Reason holds the
// explanation of the most recently matched rule.
type SuspiciousAddress struct {
	Address   string
	Reason    string
	UpdatedAt time.Time
}

// Store is the persistence interface shared by the request gate, the denylist
// and the anomaly detector. Implementations must be safe for concurrent use.
type Store interface {
	// Request history
	AppendRequestLog(ctx context.Context, entry RequestLogEntry) error
	CountRequestsByAddress(ctx context.Context, since time.Time) (map[string]int, error)
	// AddressesWithPathPrefix returns the distinct, sorted addresses that
	// requested a path starting with prefix at or after since.
	AddressesWithPathPrefix(ctx context.Context, since time.Time, prefix string) ([]string, error)
	PruneRequestLogs(ctx context.Context, before time.Time) (int, error)

	// Denylist
	BlockExists(ctx context.Context, addr string) (bool, error)
	// BlockAdd inserts addr if absent. created is false when it was already present.
	BlockAdd(ctx context.Context, addr, source string) (created bool, err error)
	BlockGet(ctx context.Context, addr string) (*BlockedAddress, error)
	BlockDelete(ctx context.Context, addr string) (removed bool, err error)
	BlockList(ctx context.Context) ([]BlockedAddress, error)

	// Suspicious addresses
	UpsertSuspicious(ctx context.Context, addr, reason string) error
	GetSuspicious(ctx context.Context, addr string) (*SuspiciousAddress, error)
	ListSuspicious(ctx context.Context) ([]SuspiciousAddress, error)

	// Utility
	SizeBytes() (int64, error)
	Close() error
}
