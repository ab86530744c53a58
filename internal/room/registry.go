package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/bidchess-server/internal/engine"
	"github.com/park285/bidchess-server/internal/obslog"
)

// Registry maps room IDs to live actors. Actors are spawned on Create, or
// lazily on Get when a durable record exists but the actor died with the
// process.
type Registry struct {
	store    *Store
	idx      Index
	archiver Archiver
	fac      engine.Factory
	nowFn    func() int64

	mu     sync.RWMutex
	actors map[string]*Actor

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewRegistry builds a registry. idx and archiver may be nil.
func NewRegistry(store *Store, idx Index, archiver Archiver, fac engine.Factory, nowFn func() int64) *Registry {
	if nowFn == nil {
		nowFn = func() int64 { return time.Now().UnixMilli() }
	}
	return &Registry{
		store:     store,
		idx:       idx,
		archiver:  archiver,
		fac:       fac,
		nowFn:     nowFn,
		actors:    make(map[string]*Actor),
		sweepStop: make(chan struct{}),
	}
}

// Create persists a fresh room and spawns its actor. A colliding room ID
// yields already_initialized.
func (g *Registry) Create(ctx context.Context, p InitParams) (*Actor, *Room, *Error) {
	r := New(p, g.nowFn())

	g.mu.Lock()
	if _, ok := g.actors[r.RoomID]; ok {
		g.mu.Unlock()
		return nil, nil, ErrAlreadyInitialized
	}
	g.mu.Unlock()

	ok, err := g.store.PutNX(ctx, r)
	if err != nil {
		obslog.L().Error("room_create_store_error", zap.String("room_id", r.RoomID), zap.Error(err))
		return nil, nil, ErrStorage
	}
	if !ok {
		return nil, nil, ErrAlreadyInitialized
	}

	a := NewActor(r.Clone(), g.store, g.idx, g.archiver, g.fac, g.nowFn)

	g.mu.Lock()
	if existing, raced := g.actors[r.RoomID]; raced {
		g.mu.Unlock()
		a.Stop()
		return existing, r, nil
	}
	g.actors[r.RoomID] = a
	g.mu.Unlock()

	if g.idx != nil {
		g.idx.UpdateRoom(ctx, r.indexMeta())
	}
	obslog.L().Info("room_created",
		zap.String("room_id", r.RoomID),
		zap.Int64("main_time_ms", r.MainTimeMs),
		zap.Bool("private", r.Private),
		zap.Int("players", len(r.Players)),
	)
	return a, r, nil
}

// Get returns the live actor for a room, rehydrating from the store if the
// record survived a restart.
func (g *Registry) Get(ctx context.Context, roomID string) (*Actor, *Error) {
	g.mu.RLock()
	a, ok := g.actors[roomID]
	g.mu.RUnlock()
	if ok {
		return a, nil
	}

	r, err := g.store.Get(ctx, roomID)
	if err != nil {
		obslog.L().Error("room_load_error", zap.String("room_id", roomID), zap.Error(err))
		return nil, ErrStorage
	}
	if r == nil {
		return nil, ErrRoomNotFound
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if a, ok := g.actors[roomID]; ok {
		return a, nil
	}
	a = NewActor(r, g.store, g.idx, g.archiver, g.fac, g.nowFn)
	g.actors[roomID] = a
	obslog.L().Info("room_rehydrated", zap.String("room_id", roomID), zap.String("phase", string(r.Phase)))
	return a, nil
}

// drop stops and forgets one actor.
func (g *Registry) drop(roomID string) {
	g.mu.Lock()
	a, ok := g.actors[roomID]
	if ok {
		delete(g.actors, roomID)
	}
	g.mu.Unlock()
	if ok {
		a.Stop()
	}
}

// Len reports the number of live actors.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.actors)
}

// StartSweeper runs a background pass that pushes deadline transitions on
// quiet rooms and reaps closed actors. Purely an optimization: the lazy
// drivers on each operation enforce the same transitions.
func (g *Registry) StartSweeper(interval time.Duration) {
	g.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-g.sweepStop:
					return
				case <-ticker.C:
					g.sweep()
				}
			}
		}()
	})
}

func (g *Registry) sweep() {
	g.mu.RLock()
	ids := make([]string, 0, len(g.actors))
	for id := range g.actors {
		ids = append(ids, id)
	}
	g.mu.RUnlock()

	for _, id := range ids {
		g.mu.RLock()
		a, ok := g.actors[id]
		g.mu.RUnlock()
		if !ok {
			continue
		}
		r, _ := a.GetState()
		if r != nil && r.Closed {
			obslog.L().Info("room_swept", zap.String("room_id", id), zap.String("close_reason", r.CloseReason))
			g.drop(id)
		}
	}
}

// Shutdown stops the sweeper and every actor.
func (g *Registry) Shutdown() {
	select {
	case <-g.sweepStop:
	default:
		close(g.sweepStop)
	}
	g.mu.Lock()
	actors := g.actors
	g.actors = make(map[string]*Actor)
	g.mu.Unlock()
	for _, a := range actors {
		a.Stop()
	}
}
