// Package denylist is the set of blocked client addresses. Reads go straight
// to the store on every call so a new block takes effect on the next request.
package denylist

import (
	"context"
	"fmt"

	"github.com/developingchet/ip-tracker/internal/decision"
	"github.com/developingchet/ip-tracker/internal/metrics"
	"github.com/developingchet/ip-tracker/internal/storage"
	"github.com/rs/zerolog"
)

// Sources recorded with each blocked address.
const (
	SourceCLI      = "cli"
	SourceCrowdSec = "crowdsec"
)

// ValidationError reports a malformed address given to Add or Remove.
type ValidationError struct {
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%q is not a valid IP address.", e.Value)
}

// Denylist wraps the store's blocked-address operations.
type Denylist struct {
	store storage.Store
	log   zerolog.Logger
}

// New returns a Denylist backed by store.
func New(store storage.Store, log zerolog.Logger) *Denylist {
	return &Denylist{store: store, log: log}
}

// Contains reports whether addr is blocked. addr is matched in its
// canonical form, so ::ffff:1.2.3.4 hits an entry for 1.2.3.4.
func (d *Denylist) Contains(ctx context.Context, addr string) (bool, error) {
	ok, err := d.store.BlockExists(ctx, decision.Canonical(addr))
	if err != nil {
		metrics.StoreErrors.WithLabelValues("block_exists").Inc()
		return false, fmt.Errorf("check denylist: %w", err)
	}
	return ok, nil
}

// Add validates addr and inserts it if absent. Invalid input returns a
// *ValidationError and nothing is written.
func (d *Denylist) Add(ctx context.Context, addr, source string) (created bool, err error) {
	canonical, err := decision.ParseAddress(addr)
	if err != nil {
		return false, &ValidationError{Value: addr}
	}
	created, err = d.store.BlockAdd(ctx, canonical, source)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("block_add").Inc()
		return false, fmt.Errorf("add %s to denylist: %w", canonical, err)
	}
	if created {
		d.log.Info().Str("ip", canonical).Str("source", source).Msg("address blocked")
	}
	return created, nil
}

// Remove deletes addr from the denylist. removed is false if it was not present.
func (d *Denylist) Remove(ctx context.Context, addr string) (removed bool, err error) {
	canonical, err := decision.ParseAddress(addr)
	if err != nil {
		return false, &ValidationError{Value: addr}
	}
	removed, err = d.store.BlockDelete(ctx, canonical)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("block_delete").Inc()
		return false, fmt.Errorf("remove %s from denylist: %w", canonical, err)
	}
	if removed {
		d.log.Info().Str("ip", canonical).Msg("address unblocked")
	}
	return removed, nil
}

// Source returns who added addr, or storage.ErrNotFound.
func (d *Denylist) Source(ctx context.Context, addr string) (string, error) {
	rec, err := d.store.BlockGet(ctx, decision.Canonical(addr))
	if err != nil {
		return "", err
	}
	return rec.Source, nil
}

// List returns every blocked address.
func (d *Denylist) List(ctx context.Context) ([]storage.BlockedAddress, error) {
	return d.store.BlockList(ctx)
}
