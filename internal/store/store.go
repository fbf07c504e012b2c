// Package store persists per-layer canvas snapshots. One backend is chosen
// at startup (filesystem files or the coordination broker's key/value store)
// and a single worker goroutine writes back layers the engine marks dirty.
// Only authoritative local edits reach the store; replicated edits keep the
// raster coherent without duplicating writes.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kanreisa/reichat-server/internal/canvas"
	"github.com/kanreisa/reichat-server/internal/metrics"
)

// ErrNotFound is returned by backends when no snapshot exists for a layer.
var ErrNotFound = errors.New("store: snapshot not found")

// Backend reads and writes one encoded snapshot per layer index.
type Backend interface {
	Load(ctx context.Context, n int) ([]byte, error)
	Save(ctx context.Context, n int, data []byte) error
}

// Room is the engine surface the store uses: encode a layer for write-back
// and install a restored buffer.
type Room interface {
	LayerPNG(n int) ([]byte, error)
	RestoreLayer(n int, pix []byte) error
}

// Store drives snapshot load at startup and write-back on change.
type Store struct {
	log     zerolog.Logger
	backend Backend
	room    Room

	width      int
	height     int
	layerCount int

	mu    sync.Mutex
	dirty map[int]bool
	wake  chan struct{}

	stopc    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New builds a store over the given backend. Call Load before Start.
func New(log zerolog.Logger, backend Backend, room Room, width, height, layerCount int) *Store {
	return &Store{
		log:     log.With().Str("component", "store").Logger(),
		backend: backend,
		room:    room,

		width:      width,
		height:     height,
		layerCount: layerCount,

		dirty: make(map[int]bool),
		wake:  make(chan struct{}, 1),
		stopc: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Load restores every layer concurrently and returns once each one has
// either been installed or confirmed absent. Snapshots whose dimensions do
// not match the room are logged and discarded; the layer starts blank.
func (s *Store) Load(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for n := 0; n < s.layerCount; n++ {
		n := n
		g.Go(func() error { return s.loadLayer(ctx, n) })
	}
	return g.Wait()
}

func (s *Store) loadLayer(ctx context.Context, n int) error {
	data, err := s.backend.Load(ctx, n)
	switch {
	case errors.Is(err, ErrNotFound):
		metrics.SnapshotLoads.WithLabelValues(metrics.LoadBlank).Inc()
		s.log.Info().Int("layer", n).Msg("no snapshot, layer starts blank")
		return nil
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.SnapshotLoads.WithLabelValues(metrics.LoadError).Inc()
		s.log.Error().Err(err).Int("layer", n).Msg("snapshot read failed, layer starts blank")
		return nil
	}

	pix, w, h, err := canvas.DecodePix(data)
	if err != nil {
		metrics.SnapshotLoads.WithLabelValues(metrics.LoadDiscarded).Inc()
		s.log.Warn().Err(err).Int("layer", n).Msg("undecodable snapshot discarded")
		return nil
	}
	if w != s.width || h != s.height {
		metrics.SnapshotLoads.WithLabelValues(metrics.LoadDiscarded).Inc()
		s.log.Warn().
			Int("layer", n).
			Str("have", fmt.Sprintf("%dx%d", w, h)).
			Str("want", fmt.Sprintf("%dx%d", s.width, s.height)).
			Msg("snapshot dimensions mismatch, discarded")
		return nil
	}

	if err := s.room.RestoreLayer(n, pix); err != nil {
		metrics.SnapshotLoads.WithLabelValues(metrics.LoadError).Inc()
		s.log.Error().Err(err).Int("layer", n).Msg("snapshot restore failed")
		return nil
	}
	metrics.SnapshotLoads.WithLabelValues(metrics.LoadRestored).Inc()
	s.log.Info().Int("layer", n).Int("bytes", len(data)).Msg("snapshot restored")
	return nil
}

// MarkDirty schedules layer n for write-back. Safe to call from the engine
// goroutine; never blocks.
func (s *Store) MarkDirty(n int) {
	s.mu.Lock()
	s.dirty[n] = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the persist worker.
func (s *Store) Start() {
	go s.worker()
}

// Shutdown flushes pending writes and stops the worker.
func (s *Store) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopc) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) worker() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			s.persistDirty()
		case <-s.stopc:
			s.persistDirty()
			s.log.Info().Msg("store stopped")
			return
		}
	}
}

// persistDirty writes every dirty layer. A failed write re-marks the layer
// so the next change retries it; the engine keeps running either way.
func (s *Store) persistDirty() {
	s.mu.Lock()
	pending := s.dirty
	s.dirty = make(map[int]bool)
	s.mu.Unlock()

	for n := range pending {
		encoded, err := s.room.LayerPNG(n)
		if err != nil {
			metrics.SnapshotWrites.WithLabelValues(metrics.WriteError).Inc()
			s.log.Error().Err(err).Int("layer", n).Msg("snapshot encode failed")
			continue
		}
		if err := s.backend.Save(context.Background(), n, encoded); err != nil {
			metrics.SnapshotWrites.WithLabelValues(metrics.WriteError).Inc()
			s.log.Error().Err(err).Int("layer", n).Msg("snapshot write failed, will retry on next change")
			s.mu.Lock()
			s.dirty[n] = true
			s.mu.Unlock()
			continue
		}
		metrics.SnapshotWrites.WithLabelValues(metrics.WriteOK).Inc()
		s.log.Debug().Int("layer", n).Int("bytes", len(encoded)).Msg("snapshot written")
	}
}
