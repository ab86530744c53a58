package matchindex

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/bidchess-server/internal/obslog"
	"github.com/park285/bidchess-server/internal/room"
)

// Manager is the matchmaking index: a directory of active rooms plus FIFO
// per-time-control queues. One instance serves the whole process; a mutex
// serializes writers, which keeps I6 trivially true (a player is deduplicated
// per bucket under the same lock that inserts them).
type Manager struct {
	store        *Store
	timeControls []int64
	staleMs      int64
	nowFn        func() int64

	mu      sync.RWMutex
	rooms   map[string]room.IndexMeta
	queues  map[int64][]QueueEntry
	subs    map[*QueueSubscriber]struct{}
	onMatch func(context.Context, *MatchDirective)
}

// QueueSubscriber receives queue_update pings whenever any bucket changes.
type QueueSubscriber struct {
	Frames chan []byte
}

// NewManager builds the index and rehydrates the directory, queues and
// estimate anchors from redis. Rehydration failures degrade to an empty index.
func NewManager(ctx context.Context, store *Store, timeControls []int64, staleMs int64, nowFn func() int64) *Manager {
	if nowFn == nil {
		nowFn = func() int64 { return time.Now().UnixMilli() }
	}
	m := &Manager{
		store:        store,
		timeControls: append([]int64(nil), timeControls...),
		staleMs:      staleMs,
		nowFn:        nowFn,
		rooms:        make(map[string]room.IndexMeta),
		queues:       make(map[int64][]QueueEntry),
		subs:         make(map[*QueueSubscriber]struct{}),
	}
	if store != nil {
		if raws, err := store.LoadRooms(ctx); err != nil {
			obslog.L().Warn("index_rooms_load_error", zap.Error(err))
		} else {
			for id, raw := range raws {
				var meta room.IndexMeta
				if err := json.Unmarshal(raw, &meta); err == nil {
					m.rooms[id] = meta
				}
			}
		}
		for _, tc := range m.timeControls {
			entries, err := store.LoadQueue(ctx, tc)
			if err != nil {
				obslog.L().Warn("index_queue_load_error", zap.Int64("main_time_ms", tc), zap.Error(err))
				continue
			}
			if len(entries) > 0 {
				m.queues[tc] = entries
			}
		}
	}
	return m
}

func (m *Manager) supported(mainTimeMs int64) bool {
	for _, tc := range m.timeControls {
		if tc == mainTimeMs {
			return true
		}
	}
	return false
}

// OnMatch registers the handler that turns a match directive into a real
// room. Matches produced by HTTP queue joins flow through the transport layer
// directly; this handler covers directives raised internally, such as a
// rematch re-enqueue landing next to an already waiting player.
func (m *Manager) OnMatch(fn func(context.Context, *MatchDirective)) {
	m.mu.Lock()
	m.onMatch = fn
	m.mu.Unlock()
}

func (m *Manager) matchHandler() func(context.Context, *MatchDirective) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onMatch
}

// UpdateRoom upserts a room's metadata. Closed rooms are never written back.
func (m *Manager) UpdateRoom(ctx context.Context, meta room.IndexMeta) {
	if meta.Closed {
		return
	}
	m.mu.Lock()
	m.rooms[meta.RoomID] = meta
	m.mu.Unlock()
	m.persistRoom(ctx, meta)
}

// RemoveRoom drops a room from the directory.
func (m *Manager) RemoveRoom(ctx context.Context, roomID string) {
	m.mu.Lock()
	_, ok := m.rooms[roomID]
	delete(m.rooms, roomID)
	m.mu.Unlock()
	if ok && m.store != nil {
		if err := m.store.DeleteRoom(ctx, roomID); err != nil {
			obslog.L().Warn("index_room_delete_error", zap.String("room_id", roomID), zap.Error(err))
		}
	}
}

// Requeue puts rematch yes-voters back into the bucket of the game they just
// finished. A directive raised here goes to the OnMatch handler, since no
// HTTP request is in flight to act on it.
func (m *Manager) Requeue(ctx context.Context, players []room.Player, mainTimeMs int64) {
	for _, p := range players {
		directive, _, err := m.AddToQueue(ctx, p.ID, p.Name, mainTimeMs)
		if err != nil {
			obslog.L().Warn("index_requeue_error",
				zap.String("player_id", p.ID),
				zap.Int64("main_time_ms", mainTimeMs),
				zap.String("code", err.Code),
			)
			continue
		}
		if directive == nil {
			continue
		}
		if fn := m.matchHandler(); fn != nil {
			fn(ctx, directive)
		} else {
			obslog.L().Warn("requeue_match_unhandled",
				zap.Int64("main_time_ms", mainTimeMs),
				zap.String("player_id", p.ID),
			)
		}
	}
}

// List returns all non-finished rooms.
func (m *Manager) List() []room.IndexMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]room.IndexMeta, 0, len(m.rooms))
	for _, meta := range m.rooms {
		if meta.Phase == room.PhaseFinished {
			continue
		}
		out = append(out, meta)
	}
	return out
}

// AvailableCount counts public lobbies with a free seat.
func (m *Manager) AvailableCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, meta := range m.rooms {
		if meta.Phase == room.PhaseLobby && !meta.Private && meta.PlayerCount < 2 {
			n++
		}
	}
	return n
}

// FindAvailable picks a joinable public lobby of the given time control,
// preferring the least recently updated so old lobbies fill first.
func (m *Manager) FindAvailable(mainTimeMs int64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		bestID string
		bestAt int64
	)
	for _, meta := range m.rooms {
		if meta.Phase != room.PhaseLobby || meta.Private || meta.PlayerCount >= 2 {
			continue
		}
		if mainTimeMs != 0 && meta.MainTimeMs != mainTimeMs {
			continue
		}
		if bestID == "" || meta.UpdatedAt < bestAt {
			bestID, bestAt = meta.RoomID, meta.UpdatedAt
		}
	}
	return bestID, bestID != ""
}

// Clear wipes the directory, the queues and the anchors.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	m.rooms = make(map[string]room.IndexMeta)
	m.queues = make(map[int64][]QueueEntry)
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.Clear(ctx, m.timeControls); err != nil {
			obslog.L().Warn("index_clear_error", zap.Error(err))
		}
	}
	m.notifyQueueUpdate()
}

// AddToQueue appends a player to one bucket, FIFO. Returns the match directive
// when the bucket now holds two or more players, plus the player's 1-based
// queue position.
func (m *Manager) AddToQueue(ctx context.Context, playerID, name string, mainTimeMs int64) (*MatchDirective, int, *room.Error) {
	if strings.TrimSpace(playerID) == "" {
		return nil, 0, room.ErrPlayerIDRequired
	}
	if !m.supported(mainTimeMs) {
		return nil, 0, ErrUnsupportedTimeControl
	}
	now := m.nowFn()

	m.mu.Lock()
	directive, pos := m.addLocked(playerID, name, mainTimeMs, now)
	entries := append([]QueueEntry(nil), m.queues[mainTimeMs]...)
	m.mu.Unlock()

	m.persistQueue(ctx, mainTimeMs, entries)
	m.notifyQueueUpdate()
	return directive, pos, nil
}

// addLocked inserts (or refreshes) and reports the resulting directive.
func (m *Manager) addLocked(playerID, name string, mainTimeMs, now int64) (*MatchDirective, int) {
	bucket := m.queues[mainTimeMs]
	pos := 0
	for i := range bucket {
		if bucket[i].PlayerID == playerID {
			bucket[i].LastHeartbeat = now
			pos = i + 1
			break
		}
	}
	if pos == 0 {
		bucket = append(bucket, QueueEntry{
			PlayerID:      playerID,
			Name:          strings.TrimSpace(name),
			JoinedAt:      now,
			LastHeartbeat: now,
		})
		pos = len(bucket)
	}
	m.queues[mainTimeMs] = bucket

	if len(bucket) >= 2 {
		return &MatchDirective{
			ShouldCreateRoom: true,
			MainTimeMs:       mainTimeMs,
			QueuedPlayers:    []QueueEntry{bucket[0], bucket[1]},
		}, pos
	}
	return nil, pos
}

// JoinAll enqueues the player in every supported bucket and returns the first
// bucket (in configured order) that can match immediately.
func (m *Manager) JoinAll(ctx context.Context, playerID, name string) (*MatchDirective, int, *room.Error) {
	if strings.TrimSpace(playerID) == "" {
		return nil, 0, room.ErrPlayerIDRequired
	}
	now := m.nowFn()

	m.mu.Lock()
	var (
		directive *MatchDirective
		firstPos  int
	)
	for _, tc := range m.timeControls {
		d, pos := m.addLocked(playerID, name, tc, now)
		if firstPos == 0 {
			firstPos = pos
		}
		if directive == nil && d != nil {
			directive = d
		}
	}
	snapshot := make(map[int64][]QueueEntry, len(m.timeControls))
	for _, tc := range m.timeControls {
		snapshot[tc] = append([]QueueEntry(nil), m.queues[tc]...)
	}
	m.mu.Unlock()

	for tc, entries := range snapshot {
		m.persistQueue(ctx, tc, entries)
	}
	m.notifyQueueUpdate()
	return directive, firstPos, nil
}

// RemoveFromAllQueues drops the given players from every bucket.
func (m *Manager) RemoveFromAllQueues(ctx context.Context, playerIDs ...string) {
	drop := make(map[string]struct{}, len(playerIDs))
	for _, id := range playerIDs {
		drop[id] = struct{}{}
	}

	m.mu.Lock()
	touched := make(map[int64][]QueueEntry)
	for tc, bucket := range m.queues {
		kept := bucket[:0]
		for _, e := range bucket {
			if _, gone := drop[e.PlayerID]; !gone {
				kept = append(kept, e)
			}
		}
		if len(kept) != len(bucket) {
			m.queues[tc] = kept
			touched[tc] = append([]QueueEntry(nil), kept...)
		}
	}
	m.mu.Unlock()

	for tc, entries := range touched {
		m.persistQueue(ctx, tc, entries)
	}
	if len(touched) > 0 {
		m.notifyQueueUpdate()
	}
}

// CheckMatch answers whether a queued player's match already produced a room.
// Membership in any active room's player list wins over queue presence.
func (m *Manager) CheckMatch(playerID string) CheckMatchResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, meta := range m.rooms {
		if meta.Phase == room.PhaseFinished {
			continue
		}
		for _, id := range meta.PlayerIDs {
			if id == playerID {
				return CheckMatchResult{Matched: true, RoomID: meta.RoomID}
			}
		}
	}
	for _, bucket := range m.queues {
		for _, e := range bucket {
			if e.PlayerID == playerID {
				return CheckMatchResult{InQueue: true}
			}
		}
	}
	return CheckMatchResult{}
}

// Heartbeat refreshes the player's liveness in every bucket they occupy.
func (m *Manager) Heartbeat(ctx context.Context, playerID string) {
	now := m.nowFn()
	m.mu.Lock()
	touched := make(map[int64][]QueueEntry)
	for tc, bucket := range m.queues {
		for i := range bucket {
			if bucket[i].PlayerID == playerID {
				bucket[i].LastHeartbeat = now
				touched[tc] = append([]QueueEntry(nil), bucket...)
			}
		}
	}
	m.mu.Unlock()
	for tc, entries := range touched {
		m.persistQueue(ctx, tc, entries)
	}
}

// CleanupStale reaps queue entries whose heartbeat went silent.
func (m *Manager) CleanupStale(ctx context.Context) {
	now := m.nowFn()
	m.mu.Lock()
	touched := make(map[int64][]QueueEntry)
	for tc, bucket := range m.queues {
		kept := bucket[:0]
		for _, e := range bucket {
			if now-e.LastHeartbeat <= m.staleMs {
				kept = append(kept, e)
			}
		}
		if len(kept) != len(bucket) {
			m.queues[tc] = kept
			touched[tc] = append([]QueueEntry(nil), kept...)
		}
	}
	m.mu.Unlock()

	for tc, entries := range touched {
		obslog.L().Info("queue_stale_cleanup", zap.Int64("main_time_ms", tc), zap.Int("remaining", len(entries)))
		m.persistQueue(ctx, tc, entries)
	}
	if len(touched) > 0 {
		m.notifyQueueUpdate()
	}
}

// QueueStatus builds the per-time-control estimates, keyed by the millisecond
// value as a string.
func (m *Manager) QueueStatus(ctx context.Context) map[string]Estimate {
	now := m.nowFn()
	out := make(map[string]Estimate, len(m.timeControls))
	for _, tc := range m.timeControls {
		out[strconv.FormatInt(tc, 10)] = m.estimate(ctx, tc, now)
	}
	return out
}

// estimate follows the anchor scheme: pin the ETA to one concrete game and
// count down against it until that game disappears from the directory.
func (m *Manager) estimate(ctx context.Context, mainTimeMs, now int64) Estimate {
	m.mu.RLock()
	queueLen := len(m.queues[mainTimeMs])
	type activeGame struct {
		id        string
		remaining int64
	}
	var games []activeGame
	for _, meta := range m.rooms {
		if meta.Phase != room.PhasePlaying || meta.MainTimeMs != mainTimeMs || meta.PlayerCount != 2 {
			continue
		}
		games = append(games, activeGame{id: meta.RoomID, remaining: remainingMs(meta, now)})
	}
	m.mu.RUnlock()

	est := Estimate{QueueLength: queueLen, ActiveGames: len(games)}
	if queueLen >= 1 {
		est.Estimate = EstimateMatchNow
		return est
	}
	if len(games) == 0 {
		est.Estimate = EstimateNone
		return est
	}

	est.Estimate = EstimateWait
	active := make(map[string]struct{}, len(games))
	shortest := games[0]
	for _, g := range games {
		active[g.id] = struct{}{}
		if g.remaining < shortest.remaining {
			shortest = g
		}
	}

	if m.store != nil {
		if a, err := m.store.LoadAnchor(ctx, mainTimeMs); err == nil && a != nil {
			if _, alive := active[a.GameID]; alive {
				eta := a.StartTime + a.DurationMs - now
				if eta < 0 {
					eta = 0
				}
				est.EtaMs = eta
				return est
			}
		}
	}

	fresh := anchor{GameID: shortest.id, StartTime: now, DurationMs: shortest.remaining}
	if m.store != nil {
		if err := m.store.SaveAnchor(ctx, mainTimeMs, fresh); err != nil {
			obslog.L().Warn("estimate_anchor_save_error", zap.Int64("main_time_ms", mainTimeMs), zap.Error(err))
		}
	}
	est.EtaMs = shortest.remaining
	return est
}

// remainingMs reads the snapshot's shorter clock, charging the in-flight
// elapsed time to the side to move. Without a snapshot it falls back to half
// the time control.
func remainingMs(meta room.IndexMeta, now int64) int64 {
	if meta.Clocks == nil {
		return meta.MainTimeMs / 2
	}
	white, black := meta.Clocks.WhiteRemainingMs, meta.Clocks.BlackRemainingMs
	elapsed := now - meta.Clocks.LastTickAt
	if elapsed < 0 {
		elapsed = 0
	}
	if meta.Clocks.Turn == "black" {
		black -= elapsed
	} else {
		white -= elapsed
	}
	min := white
	if black < min {
		min = black
	}
	if min < 0 {
		min = 0
	}
	return min
}

// Subscribe attaches a queue-status sink.
func (m *Manager) Subscribe() *QueueSubscriber {
	sub := &QueueSubscriber{Frames: make(chan []byte, 8)}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	return sub
}

// Unsubscribe detaches a sink and closes its channel.
func (m *Manager) Unsubscribe(sub *QueueSubscriber) {
	m.mu.Lock()
	_, ok := m.subs[sub]
	delete(m.subs, sub)
	m.mu.Unlock()
	if ok {
		close(sub.Frames)
	}
}

func (m *Manager) notifyQueueUpdate() {
	frame, err := json.Marshal(struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
	}{Type: "queue_update", Timestamp: m.nowFn()})
	if err != nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for sub := range m.subs {
		select {
		case sub.Frames <- frame:
		default:
		}
	}
}

func (m *Manager) persistRoom(ctx context.Context, meta room.IndexMeta) {
	if m.store == nil {
		return
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := m.store.SaveRoom(ctx, meta.RoomID, raw); err != nil {
		obslog.L().Warn("index_room_save_error", zap.String("room_id", meta.RoomID), zap.Error(err))
	}
}

func (m *Manager) persistQueue(ctx context.Context, mainTimeMs int64, entries []QueueEntry) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveQueue(ctx, mainTimeMs, entries); err != nil {
		obslog.L().Warn("index_queue_save_error", zap.Int64("main_time_ms", mainTimeMs), zap.Error(err))
	}
}
