package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"

	"github.com/sbl8/tessera/kernels"
	"github.com/sbl8/tessera/tile"
)

const (
	backendBadger = "badger"
	keyPrefix     = "tile/"
)

func tileKey(id TileID) []byte { return []byte(keyPrefix + string(id)) }

// BadgerStore persists encoded tiles in BadgerDB under "tile/<id>". A merge
// loads, merges and rewrites the tile inside one read-write transaction
// while holding the tile's lock.
type BadgerStore struct {
	db *badgerDB

	locksMu sync.Mutex
	locks   map[TileID]*sync.Mutex

	loads singleflight.Group

	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup

	policy tile.ReadPolicy
	logger *slog.Logger
}

var _ Store = (*BadgerStore)(nil)

// OpenBadgerStore opens the database described by cfg. The store owns the
// database and closes it on Close.
func OpenBadgerStore(cfg BadgerConfig, opts Options) (*BadgerStore, error) {
	logger := opts.logger()
	db, err := openBadgerDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	s := &BadgerStore{
		db:     db,
		locks:  make(map[TileID]*sync.Mutex),
		policy: opts.ReadPolicy,
		logger: logger,
	}
	if n, err := s.count(); err == nil {
		liveTiles.WithLabelValues(backendBadger).Add(float64(n))
	}
	logger.Info("badger tile store opened",
		slog.String("path", cfg.Path),
		slog.Bool("in_memory", cfg.InMemory))
	return s, nil
}

func (s *BadgerStore) lock(id TileID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// enter registers an in-flight operation; the caller must call
// s.pending.Done when it returns nil.
func (s *BadgerStore) enter() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	s.pending.Add(1)
	return nil
}

func (s *BadgerStore) Create(ctx context.Context, t *tile.Tile) *Handle {
	if t == nil {
		return failedHandle(fmt.Errorf("create: nil tile"))
	}
	if err := s.enter(); err != nil {
		return failedHandle(err)
	}
	encoded, err := tile.Encode(t)
	if err != nil {
		s.pending.Done()
		recordError(backendBadger, "create")
		return failedHandle(err)
	}
	h := newHandle(NewTileID())
	go func() {
		defer s.pending.Done()
		ctx, span := startSpan(ctx, backendBadger, "Create", h.id)
		err := s.db.withTxn(ctx, func(txn *badger.Txn) error {
			return txn.Set(tileKey(h.id), encoded)
		})
		if err == nil {
			liveTiles.WithLabelValues(backendBadger).Inc()
			s.logger.Debug("tile registered",
				slog.String("tile_id", h.id.String()),
				slog.Int("bytes", len(encoded)))
		}
		endSpan(span, backendBadger, "create", err)
		h.resolve(err)
	}()
	return h
}

// load reads the encoded tile. Concurrent loads of one id share a single
// read.
func (s *BadgerStore) load(ctx context.Context, id TileID) ([]byte, error) {
	v, err, _ := s.loads.Do(string(id), func() (interface{}, error) {
		coldLoads.WithLabelValues(backendBadger).Inc()
		var out []byte
		err := s.db.withReadTxn(ctx, func(txn *badger.Txn) error {
			item, err := txn.Get(tileKey(id))
			if err != nil {
				return err
			}
			out, err = item.ValueCopy(nil)
			return err
		})
		return out, err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *BadgerStore) Get(ctx context.Context, id TileID) (t *tile.Tile, err error) {
	ctx, span := startSpan(ctx, backendBadger, "Get", id)
	defer func() { endSpan(span, backendBadger, "get", err) }()

	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.pending.Done()

	encoded, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return tile.Decode(encoded, tile.WithReadPolicy(s.policy))
}

func (s *BadgerStore) Update(ctx context.Context, id TileID, incoming *tile.Tile, r kernels.Reducer) (err error) {
	ctx, span := startSpan(ctx, backendBadger, "Update", id)
	defer func() { endSpan(span, backendBadger, "update", err) }()

	if err := s.enter(); err != nil {
		return err
	}
	defer s.pending.Done()

	m := s.lock(id)
	m.Lock()
	defer m.Unlock()

	return s.db.withTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(tileKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		existing, err := tile.Decode(raw)
		if err != nil {
			return fmt.Errorf("decode %s: %w", id, err)
		}

		start := time.Now()
		stats, err := tile.MergeWithStats(existing, incoming, r)
		if err != nil {
			return fmt.Errorf("merge into %s: %w", id, err)
		}
		encoded, err := tile.Encode(existing)
		if err != nil {
			return err
		}
		if err := txn.Set(tileKey(id), encoded); err != nil {
			return err
		}
		recordMerge(backendBadger, existing.Rep(), r, stats, time.Since(start))
		return nil
	})
}

func (s *BadgerStore) Delete(ctx context.Context, id TileID) (err error) {
	ctx, span := startSpan(ctx, backendBadger, "Delete", id)
	defer func() { endSpan(span, backendBadger, "delete", err) }()

	if err := s.enter(); err != nil {
		return err
	}
	defer s.pending.Done()

	m := s.lock(id)
	m.Lock()
	defer m.Unlock()

	err = s.db.withTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(tileKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		return txn.Delete(tileKey(id))
	})
	if err != nil {
		return err
	}
	s.locksMu.Lock()
	delete(s.locks, id)
	s.locksMu.Unlock()
	liveTiles.WithLabelValues(backendBadger).Dec()
	return nil
}

// IDs lists every stored tile identifier.
func (s *BadgerStore) IDs(ctx context.Context) ([]TileID, error) {
	var ids []TileID
	err := s.db.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, TileID(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	return ids, err
}

func (s *BadgerStore) count() (int, error) {
	ids, err := s.IDs(context.Background())
	return len(ids), err
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.pending.Wait()

	if n, err := s.count(); err == nil {
		liveTiles.WithLabelValues(backendBadger).Sub(float64(n))
	}
	s.logger.Info("badger tile store closed")
	return s.db.Close()
}
