package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketRequests   = "requests"
	bucketBlocked    = "blocked"
	bucketSuspicious = "suspicious"
)

// requestRecord is the msgpack body of a request log entry. The timestamp
// lives in the key so windowed scans can seek directly to their start.
type requestRecord struct {
	Address string  `msgpack:"a"`
	Path    string  `msgpack:"p"`
	Country *string `msgpack:"c"`
	City    *string `msgpack:"t"`
}

type blockedRecord struct {
	Source    string    `msgpack:"s"`
	CreatedAt time.Time `msgpack:"c"`
}

type suspiciousRecord struct {
	Reason    string    `msgpack:"r"`
	UpdatedAt time.Time `msgpack:"u"`
}

type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/ip-tracker.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "ip-tracker.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketRequests, bucketBlocked, bucketSuspicious} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

// requestKey orders entries by time; seq disambiguates equal timestamps.
func requestKey(ts time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	copy(key, timePrefix(ts))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

// timePrefix encodes ts as big-endian Unix nanoseconds. Times before the
// epoch clamp to zero so the zero time.Time means "from the beginning".
func timePrefix(ts time.Time) []byte {
	key := make([]byte, 8)
	if ts.After(time.Unix(0, 0)) {
		binary.BigEndian.PutUint64(key, uint64(ts.UnixNano()))
	}
	return key
}

// ---- Request history -------------------------------------------------------

func (s *bboltStore) AppendRequestLog(_ context.Context, entry RequestLogEntry) error {
	data, err := msgpack.Marshal(requestRecord{
		Address: entry.Address,
		Path:    entry.Path,
		Country: entry.Country,
		City:    entry.City,
	})
	if err != nil {
		return fmt.Errorf("marshal request log: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRequests))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(requestKey(entry.Timestamp, seq), data)
	})
}

// scanSince calls fn for every request logged at or after since.
func (s *bboltStore) scanSince(since time.Time, fn func(rec requestRecord) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketRequests)).Cursor()
		for k, v := c.Seek(timePrefix(since)); k != nil; k, v = c.Next() {
			var rec requestRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal request log: %w", err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *bboltStore) CountRequestsByAddress(_ context.Context, since time.Time) (map[string]int, error) {
	counts := make(map[string]int)
	err := s.scanSince(since, func(rec requestRecord) error {
		counts[rec.Address]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *bboltStore) AddressesWithPathPrefix(_ context.Context, since time.Time, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	err := s.scanSince(since, func(rec requestRecord) error {
		if strings.HasPrefix(rec.Path, prefix) {
			seen[rec.Address] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(seen))
	for a := range seen {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return addrs, nil
}

func (s *bboltStore) PruneRequestLogs(_ context.Context, before time.Time) (int, error) {
	limit := timePrefix(before)
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRequests))
		var toDelete [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k[:8], limit) < 0; k, _ = c.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// ---- Denylist --------------------------------------------------------------

func (s *bboltStore) BlockExists(_ context.Context, addr string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(bucketBlocked)).Get([]byte(addr)) != nil
		return nil
	})
	return exists, err
}

func (s *bboltStore) BlockAdd(_ context.Context, addr, source string) (bool, error) {
	data, err := msgpack.Marshal(blockedRecord{Source: source, CreatedAt: time.Now().UTC()})
	if err != nil {
		return false, fmt.Errorf("marshal blocked address: %w", err)
	}
	var created bool
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBlocked))
		if b.Get([]byte(addr)) != nil {
			return nil
		}
		created = true
		return b.Put([]byte(addr), data)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *bboltStore) BlockGet(_ context.Context, addr string) (*BlockedAddress, error) {
	var rec blockedRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketBlocked)).Get([]byte(addr))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &BlockedAddress{Address: addr, Source: rec.Source, CreatedAt: rec.CreatedAt}, nil
}

func (s *bboltStore) BlockDelete(_ context.Context, addr string) (bool, error) {
	var removed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBlocked))
		if b.Get([]byte(addr)) == nil {
			return nil
		}
		removed = true
		return b.Delete([]byte(addr))
	})
	return removed, err
}

func (s *bboltStore) BlockList(_ context.Context) ([]BlockedAddress, error) {
	var result []BlockedAddress
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBlocked)).ForEach(func(k, v []byte) error {
			var rec blockedRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal blocked address %s: %w", k, err)
			}
			result = append(result, BlockedAddress{Address: string(k), Source: rec.Source, CreatedAt: rec.CreatedAt})
			return nil
		})
	})
	return result, err
}

// ---- Suspicious addresses --------------------------------------------------

func (s *bboltStore) UpsertSuspicious(_ context.Context, addr, reason string) error {
	data, err := msgpack.Marshal(suspiciousRecord{Reason: reason, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal suspicious address: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSuspicious)).Put([]byte(addr), data)
	})
}

func (s *bboltStore) GetSuspicious(_ context.Context, addr string) (*SuspiciousAddress, error) {
	var rec suspiciousRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketSuspicious)).Get([]byte(addr))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &SuspiciousAddress{Address: addr, Reason: rec.Reason, UpdatedAt: rec.UpdatedAt}, nil
}

func (s *bboltStore) ListSuspicious(_ context.Context) ([]SuspiciousAddress, error) {
	var result []SuspiciousAddress
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSuspicious)).ForEach(func(k, v []byte) error {
			var rec suspiciousRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return err
			}
			result = append(result, SuspiciousAddress{Address: string(k), Reason: rec.Reason, UpdatedAt: rec.UpdatedAt})
			return nil
		})
	})
	return result, err
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
