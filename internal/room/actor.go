package room

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/bidchess-server/internal/engine"
	"github.com/park285/bidchess-server/internal/obslog"
)

// Index is the matchmaking directory as seen from a room actor. Calls are
// best-effort: a failing index never blocks a room commit.
type Index interface {
	UpdateRoom(ctx context.Context, meta IndexMeta)
	RemoveRoom(ctx context.Context, roomID string)
	Requeue(ctx context.Context, players []Player, mainTimeMs int64)
}

// Archiver receives finished games. Optional; failures are logged and
// swallowed.
type Archiver interface {
	SaveResult(ctx context.Context, r *Room) error
}

// IndexMeta is the lightweight room snapshot published to the index.
type IndexMeta struct {
	RoomID      string  `json:"roomId"`
	Phase       Phase   `json:"phase"`
	PlayerIDs   []string `json:"playerIds"`
	PlayerCount int     `json:"playerCount"`
	Private     bool    `json:"private"`
	MainTimeMs  int64   `json:"mainTimeMs"`
	UpdatedAt   int64   `json:"updatedAt"`
	Closed      bool    `json:"closed,omitempty"`
	Clocks      *Clocks `json:"clocks,omitempty"`
}

func (r *Room) indexMeta() IndexMeta {
	ids := make([]string, 0, len(r.Players))
	for _, p := range r.Players {
		ids = append(ids, p.ID)
	}
	meta := IndexMeta{
		RoomID:      r.RoomID,
		Phase:       r.Phase,
		PlayerIDs:   ids,
		PlayerCount: len(ids),
		Private:     r.Private,
		MainTimeMs:  r.MainTimeMs,
		UpdatedAt:   r.UpdatedAt,
		Closed:      r.Closed,
	}
	if r.Clocks != nil {
		c := *r.Clocks
		meta.Clocks = &c
	}
	return meta
}

// Subscriber is a live state sink. The actor pushes serialized frames into
// Frames; a subscriber that cannot keep up gets dropped frames, and one whose
// socket died is detached by its reader calling Unsubscribe.
type Subscriber struct {
	PlayerID string
	Frames   chan []byte
}

type wsFrame struct {
	Type string `json:"type"`
	Room *Room  `json:"room"`
}

type reply struct {
	room *Room
	err  *Error
}

type request struct {
	// op runs against the cloned record; nil for pure reads.
	op func(r *Room, now int64) *Error
	// mutates marks ops whose success requires a persist+broadcast.
	mutates bool
	sub     *Subscriber
	unsub   *Subscriber
	reply   chan reply
}

// Actor owns one room: a single goroutine consumes the mailbox, so all
// mutations serialize, and the durable put for operation N completes before
// operation N+1 touches the state.
type Actor struct {
	store    *Store
	idx      Index
	archiver Archiver
	fac      engine.Factory
	nowFn    func() int64

	reqs   chan request
	stopCh chan struct{}

	// loop-owned below this line
	state *Room
	subs  map[*Subscriber]struct{}
}

// NewActor wraps an existing record (freshly built or rehydrated from the
// store) in a running mailbox.
func NewActor(state *Room, store *Store, idx Index, archiver Archiver, fac engine.Factory, nowFn func() int64) *Actor {
	if nowFn == nil {
		nowFn = func() int64 { return time.Now().UnixMilli() }
	}
	a := &Actor{
		store:    store,
		idx:      idx,
		archiver: archiver,
		fac:      fac,
		nowFn:    nowFn,
		reqs:     make(chan request, 32),
		stopCh:   make(chan struct{}),
		state:    state,
		subs:     make(map[*Subscriber]struct{}),
	}
	go a.loop()
	return a
}

// Stop shuts the mailbox down and detaches all subscribers.
func (a *Actor) Stop() {
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
}

func (a *Actor) loop() {
	for {
		select {
		case <-a.stopCh:
			for sub := range a.subs {
				close(sub.Frames)
			}
			a.subs = nil
			return
		case req := <-a.reqs:
			a.handle(req)
		}
	}
}

func (a *Actor) handle(req request) {
	if req.sub != nil {
		a.subs[req.sub] = struct{}{}
		req.reply <- reply{room: a.state.Clone()}
		return
	}
	if req.unsub != nil {
		if _, ok := a.subs[req.unsub]; ok {
			delete(a.subs, req.unsub)
			close(req.unsub.Frames)
		}
		req.reply <- reply{}
		return
	}

	now := a.nowFn()
	prev := a.state
	next := prev.Clone()

	changed := next.Advance(now, a.fac)
	var opErr *Error
	if req.op != nil {
		opErr = req.op(next, now)
		if opErr == nil && req.mutates {
			changed = true
		}
	}

	if !changed {
		req.reply <- reply{room: next, err: opErr}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	expired := next.Closed && next.CloseReason == CloseRoomExpired
	if expired {
		// Expired rooms drop their durable record instead of rewriting it.
		if err := a.store.Delete(ctx, next.RoomID); err != nil {
			obslog.L().Error("room_store_delete_error", zap.String("room_id", next.RoomID), zap.Error(err))
			req.reply <- reply{room: prev.Clone(), err: ErrStorage}
			return
		}
	} else {
		if err := a.store.Put(ctx, next); err != nil {
			obslog.L().Error("room_store_put_error", zap.String("room_id", next.RoomID), zap.Error(err))
			req.reply <- reply{room: prev.Clone(), err: ErrStorage}
			return
		}
	}

	a.state = next
	a.afterCommit(ctx, prev, next)
	req.reply <- reply{room: next.Clone(), err: opErr}
}

// afterCommit fans out the committed state and reconciles the index and the
// archive. All downstream effects are best-effort by design.
func (a *Actor) afterCommit(ctx context.Context, prev, next *Room) {
	a.broadcast(next)

	if a.idx != nil {
		switch {
		case next.Closed && !prev.Closed:
			if next.CloseReason != CloseStartExpired {
				a.idx.RemoveRoom(ctx, next.RoomID)
			}
			if next.CloseReason == CloseDeclinedRematch || next.CloseReason == CloseRematchTimeout {
				if voters := next.YesVoters(); len(voters) > 0 {
					a.idx.Requeue(ctx, voters, next.MainTimeMs)
				}
			}
		case next.IndexEvicted && !prev.IndexEvicted:
			a.idx.RemoveRoom(ctx, next.RoomID)
		case !next.Closed:
			a.idx.UpdateRoom(ctx, next.indexMeta())
		}
	}

	if next.Phase == PhaseFinished && prev.Phase != PhaseFinished {
		obslog.L().Info("room_finished",
			zap.String("room_id", next.RoomID),
			zap.String("result", next.Result),
			zap.String("reason", next.Reason),
			zap.String("winner_id", next.WinnerID),
		)
		if a.archiver != nil {
			if err := a.archiver.SaveResult(ctx, next); err != nil {
				obslog.L().Error("room_archive_error", zap.String("room_id", next.RoomID), zap.Error(err))
			}
		}
	}
}

func (a *Actor) broadcast(r *Room) {
	if len(a.subs) == 0 {
		return
	}
	raw, err := json.Marshal(wsFrame{Type: "update", Room: r})
	if err != nil {
		return
	}
	for sub := range a.subs {
		select {
		case sub.Frames <- raw:
		default:
			// Slow consumer: drop the frame, the next commit resyncs it.
		}
	}
}

func (a *Actor) send(req request) reply {
	select {
	case a.reqs <- req:
	case <-a.stopCh:
		return reply{err: ErrRoomClosed}
	}
	select {
	case rep := <-req.reply:
		return rep
	case <-a.stopCh:
		return reply{err: ErrRoomClosed}
	}
}

func (a *Actor) do(mutates bool, op func(r *Room, now int64) *Error) (*Room, *Error) {
	rep := a.send(request{op: op, mutates: mutates, reply: make(chan reply, 1)})
	return rep.room, rep.err
}

// Join seats a player.
func (a *Actor) Join(playerID, name string) (*Room, *Error) {
	return a.do(true, func(r *Room, now int64) *Error { return r.Join(playerID, name, now) })
}

// StartBidding stages or confirms the two-step start.
func (a *Actor) StartBidding(playerID string) (*Room, *Error) {
	return a.do(true, func(r *Room, now int64) *Error { return r.StartBidding(playerID, now) })
}

// SubmitBid records a sealed bid.
func (a *Actor) SubmitBid(playerID string, amount int64) (*Room, *Error) {
	return a.do(true, func(r *Room, now int64) *Error { return r.SubmitBid(playerID, amount, now) })
}

// ChooseColor resolves the color pick and starts the clocks.
func (a *Actor) ChooseColor(playerID, color string) (*Room, *Error) {
	return a.do(true, func(r *Room, now int64) *Error { return r.ChooseColor(playerID, color, now) })
}

// MakeMove applies one move.
func (a *Actor) MakeMove(playerID, mv string) (*Room, *Error) {
	return a.do(true, func(r *Room, now int64) *Error { return r.MakeMove(playerID, mv, now, a.fac) })
}

// TimeForfeit claims a win on the opponent's fallen flag.
func (a *Actor) TimeForfeit(playerID string) (*Room, *Error) {
	return a.do(true, func(r *Room, now int64) *Error { return r.TimeForfeit(playerID, now, a.fac) })
}

// Rematch records a rematch vote.
func (a *Actor) Rematch(playerID string, agree bool) (*Room, *Error) {
	return a.do(true, func(r *Room, now int64) *Error { return r.Rematch(playerID, agree, now) })
}

// Leave removes a player.
func (a *Actor) Leave(playerID string) (*Room, *Error) {
	return a.do(true, func(r *Room, now int64) *Error { r.Leave(playerID, now); return nil })
}

// Heartbeat refreshes activity.
func (a *Actor) Heartbeat(playerID string) (*Room, *Error) {
	return a.do(true, func(r *Room, now int64) *Error {
		if strings.TrimSpace(playerID) == "" {
			return ErrPlayerIDRequired
		}
		r.Heartbeat(now)
		return nil
	})
}

// GetState drives the lazy deadline transitions and returns the state.
func (a *Actor) GetState() (*Room, *Error) {
	return a.do(false, func(r *Room, now int64) *Error {
		if r.Closed && r.CloseReason == CloseRoomExpired {
			return ErrRoomExpired
		}
		return nil
	})
}

// Subscribe attaches a live state sink and returns it together with the
// current state for the init frame.
func (a *Actor) Subscribe(playerID string) (*Subscriber, *Room, *Error) {
	if strings.TrimSpace(playerID) == "" {
		return nil, nil, ErrPlayerIDRequired
	}
	sub := &Subscriber{PlayerID: playerID, Frames: make(chan []byte, 16)}
	rep := a.send(request{sub: sub, reply: make(chan reply, 1)})
	if rep.err != nil {
		return nil, nil, rep.err
	}
	return sub, rep.room, nil
}

// Unsubscribe detaches a sink; safe to call after Stop.
func (a *Actor) Unsubscribe(sub *Subscriber) {
	a.send(request{unsub: sub, reply: make(chan reply, 1)})
}
