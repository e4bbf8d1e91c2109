package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sbl8/tessera/kernels"
	"github.com/sbl8/tessera/tile"
)

const backendMemory = "memory"

type slot struct {
	mu   sync.Mutex
	tile *tile.Tile // nil once deleted
}

// MemStore keeps tiles in process memory. Each tile has its own lock, so
// merges into different tiles do not contend.
type MemStore struct {
	mu      sync.RWMutex
	slots   map[TileID]*slot
	closed  bool
	pending sync.WaitGroup

	policy tile.ReadPolicy
	logger *slog.Logger
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore(opts Options) *MemStore {
	return &MemStore{
		slots:  make(map[TileID]*slot),
		policy: opts.ReadPolicy,
		logger: opts.logger(),
	}
}

func (s *MemStore) Create(ctx context.Context, t *tile.Tile) *Handle {
	if t == nil {
		return failedHandle(fmt.Errorf("create: nil tile"))
	}
	s.mu.RLock()
	closed := s.closed
	if !closed {
		s.pending.Add(1)
	}
	s.mu.RUnlock()
	if closed {
		return failedHandle(ErrClosed)
	}

	snapshot := t.Clone()
	h := newHandle(NewTileID())
	go func() {
		defer s.pending.Done()
		_, span := startSpan(ctx, backendMemory, "Create", h.id)
		err := ctx.Err()
		if err == nil {
			s.mu.Lock()
			s.slots[h.id] = &slot{tile: snapshot}
			s.mu.Unlock()
			liveTiles.WithLabelValues(backendMemory).Inc()
			s.logger.Debug("tile registered",
				slog.String("tile_id", h.id.String()),
				slog.String("tile", snapshot.String()))
		}
		endSpan(span, backendMemory, "create", err)
		h.resolve(err)
	}()
	return h
}

func (s *MemStore) lookup(id TileID) (*slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	sl, ok := s.slots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sl, nil
}

func (s *MemStore) Get(ctx context.Context, id TileID) (t *tile.Tile, err error) {
	_, span := startSpan(ctx, backendMemory, "Get", id)
	defer func() { endSpan(span, backendMemory, "get", err) }()

	sl, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.tile == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	snapshot := sl.tile.Clone()
	snapshot.SetReadPolicy(s.policy)
	return snapshot, nil
}

func (s *MemStore) Update(ctx context.Context, id TileID, incoming *tile.Tile, r kernels.Reducer) (err error) {
	ctx, span := startSpan(ctx, backendMemory, "Update", id)
	defer func() { endSpan(span, backendMemory, "update", err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	sl, err := s.lookup(id)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.tile == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	start := time.Now()
	stats, err := tile.MergeWithStats(sl.tile, incoming, r)
	if err != nil {
		return fmt.Errorf("merge into %s: %w", id, err)
	}
	recordMerge(backendMemory, sl.tile.Rep(), r, stats, time.Since(start))
	return nil
}

func (s *MemStore) Delete(ctx context.Context, id TileID) (err error) {
	_, span := startSpan(ctx, backendMemory, "Delete", id)
	defer func() { endSpan(span, backendMemory, "delete", err) }()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	sl, ok := s.slots[id]
	delete(s.slots, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sl.mu.Lock()
	sl.tile = nil
	sl.mu.Unlock()
	liveTiles.WithLabelValues(backendMemory).Dec()
	return nil
}

// Len returns the number of tiles held.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.pending.Wait()

	s.mu.Lock()
	n := len(s.slots)
	s.slots = make(map[TileID]*slot)
	s.mu.Unlock()
	liveTiles.WithLabelValues(backendMemory).Sub(float64(n))
	return nil
}
