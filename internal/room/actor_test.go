package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/bidchess-server/internal/engine"
)

type clock struct {
	mu sync.Mutex
	t  int64
}

func (c *clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(ms int64) {
	c.mu.Lock()
	c.t += ms
	c.mu.Unlock()
}

func (c *clock) Set(t int64) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type recordingIndex struct {
	mu       sync.Mutex
	updates  []IndexMeta
	removed  []string
	requeued []Player
	requeuTC int64
}

func (f *recordingIndex) UpdateRoom(_ context.Context, meta IndexMeta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, meta)
}

func (f *recordingIndex) RemoveRoom(_ context.Context, roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, roomID)
}

func (f *recordingIndex) Requeue(_ context.Context, players []Player, mainTimeMs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, players...)
	f.requeuTC = mainTimeMs
}

func (f *recordingIndex) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func newTestRegistry(t *testing.T) (*Registry, *Store, *recordingIndex, *clock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := NewStore(rdb)
	idx := &recordingIndex{}
	clk := &clock{t: base}
	reg := NewRegistry(store, idx, nil, engine.NewFactory(), clk.Now)
	t.Cleanup(reg.Shutdown)
	return reg, store, idx, clk
}

func testParams(roomID string) InitParams {
	return InitParams{
		RoomID:     roomID,
		MainTimeMs: mainTime,
		Durations:  testDurations(),
		Queued: []Player{
			{ID: "p1", Name: "Anna"},
			{ID: "p2", Name: "Ben"},
		},
	}
}

func TestCreatePersistsAndIndexes(t *testing.T) {
	reg, store, idx, _ := newTestRegistry(t)
	ctx := context.Background()

	_, rm, rerr := reg.Create(ctx, testParams("r1"))
	if rerr != nil {
		t.Fatalf("Create: %v", rerr)
	}
	if rm.Phase != PhaseLobby || len(rm.Players) != 2 {
		t.Fatalf("room = %+v", rm)
	}

	stored, err := store.Get(ctx, "r1")
	if err != nil || stored == nil {
		t.Fatalf("store.Get: %v %v", stored, err)
	}
	if stored.RoomID != "r1" || len(stored.Players) != 2 {
		t.Fatalf("stored = %+v", stored)
	}

	idx.mu.Lock()
	n := len(idx.updates)
	idx.mu.Unlock()
	if n == 0 {
		t.Fatal("index never updated")
	}
}

func TestCreateDuplicateRoomID(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	ctx := context.Background()
	if _, _, rerr := reg.Create(ctx, testParams("r1")); rerr != nil {
		t.Fatalf("first create: %v", rerr)
	}
	if _, _, rerr := reg.Create(ctx, testParams("r1")); rerr != ErrAlreadyInitialized {
		t.Fatalf("second create: %v, want already_initialized", rerr)
	}
}

func TestGetUnknownRoom(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	if _, rerr := reg.Get(context.Background(), "missing"); rerr != ErrRoomNotFound {
		t.Fatalf("Get: %v, want room_not_found", rerr)
	}
}

func TestOperationPersistsBeforeReply(t *testing.T) {
	reg, store, _, clk := newTestRegistry(t)
	ctx := context.Background()

	a, _, rerr := reg.Create(ctx, testParams("r1"))
	if rerr != nil {
		t.Fatalf("Create: %v", rerr)
	}
	clk.Advance(10)
	if _, err := a.StartBidding("p1"); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := a.StartBidding("p2"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	stored, err := store.Get(ctx, "r1")
	if err != nil || stored == nil {
		t.Fatalf("store.Get: %v %v", stored, err)
	}
	if stored.Phase != PhaseBidding {
		t.Fatalf("stored phase = %s, want BIDDING", stored.Phase)
	}
}

func TestRehydrationAfterRestart(t *testing.T) {
	reg, store, _, clk := newTestRegistry(t)
	ctx := context.Background()

	if _, _, rerr := reg.Create(ctx, testParams("r1")); rerr != nil {
		t.Fatalf("Create: %v", rerr)
	}
	reg.Shutdown()

	reg2 := NewRegistry(store, &recordingIndex{}, nil, engine.NewFactory(), clk.Now)
	t.Cleanup(reg2.Shutdown)
	a, rerr := reg2.Get(ctx, "r1")
	if rerr != nil {
		t.Fatalf("Get after restart: %v", rerr)
	}
	rm, gerr := a.GetState()
	if gerr != nil {
		t.Fatalf("GetState: %v", gerr)
	}
	if rm.RoomID != "r1" || len(rm.Players) != 2 {
		t.Fatalf("rehydrated = %+v", rm)
	}
}

func TestIdleExpiryDeletesRecord(t *testing.T) {
	reg, store, idx, clk := newTestRegistry(t)
	ctx := context.Background()

	a, _, rerr := reg.Create(ctx, testParams("r1"))
	if rerr != nil {
		t.Fatalf("Create: %v", rerr)
	}
	clk.Advance(testDurations().MaxIdleMs + 1)

	if _, gerr := a.GetState(); gerr != ErrRoomExpired {
		t.Fatalf("GetState: %v, want room_expired", gerr)
	}
	stored, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if stored != nil {
		t.Fatal("expired record still in store")
	}
	found := false
	for _, id := range idx.removedIDs() {
		if id == "r1" {
			found = true
		}
	}
	if !found {
		t.Fatal("expired room not removed from index")
	}
}

func TestSubscriberReceivesUpdates(t *testing.T) {
	reg, _, _, clk := newTestRegistry(t)
	ctx := context.Background()

	a, _, rerr := reg.Create(ctx, InitParams{
		RoomID:     "r1",
		MainTimeMs: mainTime,
		Durations:  testDurations(),
		Creator:    &Player{ID: "p1", Name: "Anna"},
	})
	if rerr != nil {
		t.Fatalf("Create: %v", rerr)
	}

	sub, state, serr := a.Subscribe("p1")
	if serr != nil {
		t.Fatalf("Subscribe: %v", serr)
	}
	defer a.Unsubscribe(sub)
	if state.RoomID != "r1" {
		t.Fatalf("init state = %+v", state)
	}

	clk.Advance(5)
	if _, err := a.Join("p2", "Ben"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	select {
	case frame := <-sub.Frames:
		var msg struct {
			Type string `json:"type"`
			Room *Room  `json:"room"`
		}
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if msg.Type != "update" || len(msg.Room.Players) != 2 {
			t.Fatalf("frame = %s players=%d", msg.Type, len(msg.Room.Players))
		}
	case <-time.After(time.Second):
		t.Fatal("no update frame")
	}
}

// TestRematchTimeoutRequeuesYesVoter covers the silent close: the rematch
// window expires with one yes vote in, and the actor re-enqueues that voter
// just as it does on an explicit decline.
func TestRematchTimeoutRequeuesYesVoter(t *testing.T) {
	_, store, idx, clk := newTestRegistry(t)

	r := finishedRoom(t)
	if err := r.Rematch("p1", true, base+30); err != nil {
		t.Fatalf("vote yes: %v", err)
	}
	a := NewActor(r, store, idx, nil, engine.NewFactory(), clk.Now)
	t.Cleanup(a.Stop)

	clk.Set(r.RematchWindowEnds + 1)
	rm, gerr := a.GetState()
	if gerr != nil {
		t.Fatalf("GetState: %v", gerr)
	}
	if !rm.Closed || rm.CloseReason != CloseRematchTimeout {
		t.Fatalf("closed=%v reason=%s", rm.Closed, rm.CloseReason)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.requeued) != 1 || idx.requeued[0].ID != "p1" || idx.requeuTC != mainTime {
		t.Fatalf("requeued = %+v tc=%d", idx.requeued, idx.requeuTC)
	}
	found := false
	for _, id := range idx.removed {
		if id == "r1" {
			found = true
		}
	}
	if !found {
		t.Fatal("closed room not removed from index")
	}
}

func TestSweeperReapsClosedRooms(t *testing.T) {
	reg, _, _, clk := newTestRegistry(t)
	ctx := context.Background()

	if _, _, rerr := reg.Create(ctx, testParams("r1")); rerr != nil {
		t.Fatalf("Create: %v", rerr)
	}
	if n := reg.Len(); n != 1 {
		t.Fatalf("actors = %d, want 1", n)
	}

	clk.Advance(testDurations().MaxIdleMs + 1)
	reg.StartSweeper(20 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeper never reaped, actors = %d", reg.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestFullGameRequeuesYesVoter plays an entire game end to end over the actor:
// two-step start, auction, color pick, a fool's mate, then a split rematch
// vote that closes the room and re-enqueues the willing player.
func TestFullGameRequeuesYesVoter(t *testing.T) {
	reg, _, idx, clk := newTestRegistry(t)
	ctx := context.Background()

	a, _, rerr := reg.Create(ctx, testParams("r1"))
	if rerr != nil {
		t.Fatalf("Create: %v", rerr)
	}

	step := func(name string, f func() (*Room, *Error)) *Room {
		t.Helper()
		clk.Advance(100)
		rm, err := f()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		return rm
	}

	step("stage", func() (*Room, *Error) { return a.StartBidding("p1") })
	step("confirm", func() (*Room, *Error) { return a.StartBidding("p2") })
	step("bid p1", func() (*Room, *Error) { return a.SubmitBid("p1", 120_000) })
	rm := step("bid p2", func() (*Room, *Error) { return a.SubmitBid("p2", 150_000) })
	if rm.Phase != PhaseColorPick || rm.WinnerID != "p1" {
		t.Fatalf("after bids: phase=%s winner=%s", rm.Phase, rm.WinnerID)
	}

	// The winner takes black and mates with the fool's mate.
	rm = step("choose", func() (*Room, *Error) { return a.ChooseColor("p1", "black") })
	if rm.Clocks.BlackRemainingMs != 120_000 || rm.Clocks.WhiteRemainingMs != mainTime {
		t.Fatalf("clocks = %d/%d", rm.Clocks.WhiteRemainingMs, rm.Clocks.BlackRemainingMs)
	}
	for i, mv := range []struct{ player, uci string }{
		{"p2", "f2f3"}, {"p1", "e7e5"}, {"p2", "g2g4"}, {"p1", "d8h4"},
	} {
		rm = step(fmt.Sprintf("move %d", i), func() (*Room, *Error) { return a.MakeMove(mv.player, mv.uci) })
	}
	if rm.Phase != PhaseFinished || rm.Result != ResultCheckmate || rm.WinnerID != "p1" {
		t.Fatalf("after mate: phase=%s result=%s winner=%s", rm.Phase, rm.Result, rm.WinnerID)
	}

	step("vote yes", func() (*Room, *Error) { return a.Rematch("p1", true) })
	rm = step("vote no", func() (*Room, *Error) { return a.Rematch("p2", false) })
	if !rm.Closed || rm.CloseReason != CloseDeclinedRematch {
		t.Fatalf("closed=%v reason=%s", rm.Closed, rm.CloseReason)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.requeued) != 1 || idx.requeued[0].ID != "p1" || idx.requeuTC != mainTime {
		t.Fatalf("requeued = %+v tc=%d", idx.requeued, idx.requeuTC)
	}
}
