// Package store holds tiles by identifier and serializes merges into them.
//
// A Store is the slot side of the tile protocol: producers register tiles
// with Create, readers take independent snapshots with Get, and concurrent
// contributions are folded in with Update. At most one merge runs per tile
// at a time; merges into different tiles proceed in parallel. Arrival order
// is not controlled, so results are order independent only for commutative
// and associative reducers. Two merges racing to be the first write to the
// same invalid cell resolve as last-merge-wins.
//
// Two implementations are provided: MemStore keeps tiles in memory, and
// BadgerStore persists encoded tiles in BadgerDB.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sbl8/tessera/kernels"
	"github.com/sbl8/tessera/tile"
)

var (
	ErrNotFound = errors.New("tile not found")
	ErrClosed   = errors.New("store closed")
)

// TileID identifies a tile within a store.
type TileID string

// NewTileID returns a fresh random identifier.
func NewTileID() TileID { return TileID(uuid.NewString()) }

// ParseTileID validates s as a tile identifier.
func ParseTileID(s string) (TileID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("invalid tile id %q: %w", s, err)
	}
	return TileID(s), nil
}

func (id TileID) String() string { return string(id) }

// Store is the tile slot contract.
type Store interface {
	// Create registers a copy of t under a new identifier. Registration
	// completes asynchronously; the handle reports the outcome.
	Create(ctx context.Context, t *tile.Tile) *Handle

	// Get returns an independent snapshot of the tile held under id.
	Get(ctx context.Context, id TileID) (*tile.Tile, error)

	// Update merges incoming into the tile held under id with r.
	Update(ctx context.Context, id TileID, incoming *tile.Tile, r kernels.Reducer) error

	// Delete drops the tile held under id.
	Delete(ctx context.Context, id TileID) error

	// Close waits for pending registrations and releases resources.
	Close() error
}

// Options configures a store.
type Options struct {
	// Logger receives store events. Defaults to slog.Default().
	Logger *slog.Logger

	// ReadPolicy is applied to every snapshot returned by Get.
	ReadPolicy tile.ReadPolicy
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Handle is the pending result of Create.
type Handle struct {
	done chan struct{}
	id   TileID
	err  error
}

func newHandle(id TileID) *Handle {
	return &Handle{done: make(chan struct{}), id: id}
}

func failedHandle(err error) *Handle {
	h := newHandle("")
	h.resolve(err)
	return h
}

func (h *Handle) resolve(err error) {
	h.err = err
	close(h.done)
}

// Wait blocks until registration completes.
func (h *Handle) Wait() (TileID, error) {
	<-h.done
	if h.err != nil {
		return "", h.err
	}
	return h.id, nil
}

// WaitContext is Wait bounded by ctx.
func (h *Handle) WaitContext(ctx context.Context) (TileID, error) {
	select {
	case <-h.done:
		return h.Wait()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done is closed once registration completes.
func (h *Handle) Done() <-chan struct{} { return h.done }
