package room

import (
	"sort"
	"strings"

	"github.com/park285/bidchess-server/internal/engine"
)

// startExpiredIndexLingerMs keeps a start_expired room visible in the index
// for a while before eviction.
const startExpiredIndexLingerMs = 10 * 60 * 1000

// InitParams seeds a new room.
type InitParams struct {
	RoomID     string
	MaxPlayers int
	Private    bool
	MainTimeMs int64
	Durations  Durations
	Creator    *Player
	Queued     []Player
}

// New builds a LOBBY room. Matchmaking passes both matched players in Queued;
// manual creation passes an optional Creator.
func New(p InitParams, now int64) *Room {
	r := &Room{
		RoomID:     p.RoomID,
		Phase:      PhaseLobby,
		MaxPlayers: p.MaxPlayers,
		Private:    p.Private,
		MainTimeMs: p.MainTimeMs,
		Durations:  p.Durations,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if r.MaxPlayers <= 0 {
		r.MaxPlayers = 2
	}
	if p.Creator != nil {
		c := *p.Creator
		c.JoinedAt = now
		r.Players = append(r.Players, c)
	}
	for _, q := range p.Queued {
		if r.player(q.ID) != nil || len(r.Players) >= r.MaxPlayers {
			continue
		}
		q.JoinedAt = now
		r.Players = append(r.Players, q)
	}
	return r
}

func (r *Room) touch(now int64) { r.UpdatedAt = now }

// closedError maps a closed room to the error the caller should see.
func (r *Room) closedError() *Error {
	if !r.Closed {
		return nil
	}
	if r.CloseReason == CloseRoomExpired {
		return ErrRoomExpired
	}
	return ErrRoomClosed
}

// Join seats a player. Re-joining with the same ID is idempotent. The age
// gate is measured from CreatedAt: stale lobbies reject fresh joins even
// before the idle expiry reaps them.
func (r *Room) Join(playerID, name string, now int64) *Error {
	if strings.TrimSpace(playerID) == "" {
		return ErrPlayerIDRequired
	}
	if err := r.closedError(); err != nil {
		return err
	}
	if r.Phase == PhaseLobby && now-r.CreatedAt > r.Durations.MaxIdleMs {
		return ErrRoomTooOld
	}
	if r.Phase != PhaseLobby {
		return ErrNotInLobby
	}
	if r.player(playerID) != nil {
		r.touch(now)
		return nil
	}
	if len(r.Players) >= r.MaxPlayers {
		return ErrRoomFull
	}
	r.Players = append(r.Players, Player{ID: playerID, Name: strings.TrimSpace(name), JoinedAt: now})
	r.touch(now)
	return nil
}

// StartBidding is the two-step start: the first press stages a request, a
// second press by a different player within the window begins BIDDING.
func (r *Room) StartBidding(playerID string, now int64) *Error {
	if strings.TrimSpace(playerID) == "" {
		return ErrPlayerIDRequired
	}
	if r.Closed && r.CloseReason == CloseStartExpired {
		return ErrStartRequestExpired
	}
	if err := r.closedError(); err != nil {
		return err
	}
	if r.Phase != PhaseLobby {
		return ErrInvalidPhase
	}
	if len(r.Players) < r.MaxPlayers {
		return ErrNeedMorePlayers
	}
	if r.player(playerID) == nil {
		return ErrUnknownPlayer
	}
	if r.StartRequestedBy == "" {
		r.StartRequestedBy = playerID
		r.StartConfirmDeadline = now + r.Durations.StartConfirmMs
		r.touch(now)
		return nil
	}
	if r.StartRequestedBy == playerID {
		return ErrAlreadyRequested
	}
	if now > r.StartConfirmDeadline {
		return ErrStartRequestExpired
	}
	r.StartRequestedBy = ""
	r.StartConfirmDeadline = 0
	r.Phase = PhaseBidding
	r.Bids = map[string]Bid{}
	r.BidDeadline = now + r.Durations.BidMs
	r.touch(now)
	return nil
}

// SubmitBid stores a sealed bid and triggers resolution.
func (r *Room) SubmitBid(playerID string, amount int64, now int64) *Error {
	if strings.TrimSpace(playerID) == "" {
		return ErrPlayerIDRequired
	}
	if err := r.closedError(); err != nil {
		return err
	}
	if r.Phase != PhaseBidding {
		return ErrNotBidding
	}
	if r.player(playerID) == nil {
		return ErrUnknownPlayer
	}
	if amount < 0 || amount > r.MainTimeMs {
		return ErrInvalidBidAmount
	}
	if _, ok := r.Bids[playerID]; ok {
		return ErrAlreadyBid
	}
	if r.BidDeadline != 0 && now > r.BidDeadline {
		return ErrBiddingClosed
	}
	if r.Bids == nil {
		r.Bids = map[string]Bid{}
	}
	r.Bids[playerID] = Bid{Amount: amount, SubmittedAt: now}
	r.touch(now)
	r.resolveBids(now)
	return nil
}

type bidEntry struct {
	playerID string
	bid      Bid
}

// sortBids orders entries by amount, then submission time, then player ID.
func sortBids(entries []bidEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.bid.Amount != b.bid.Amount {
			return a.bid.Amount < b.bid.Amount
		}
		if a.bid.SubmittedAt != b.bid.SubmittedAt {
			return a.bid.SubmittedAt < b.bid.SubmittedAt
		}
		return a.playerID < b.playerID
	})
}

// resolveBids settles the auction once both bids are in, or fills defaults at
// the deadline. The lower bid wins; ties restart BIDDING with a fresh window.
func (r *Room) resolveBids(now int64) bool {
	if r.Phase != PhaseBidding || len(r.Players) < r.MaxPlayers {
		return false
	}
	deadlinePassed := r.BidDeadline != 0 && now > r.BidDeadline
	p1, p2 := r.Players[0].ID, r.Players[1].ID
	b1, ok1 := r.Bids[p1]
	b2, ok2 := r.Bids[p2]
	if (!ok1 || !ok2) && !deadlinePassed {
		return false
	}
	if !ok1 {
		// No bid means no willingness to give up time.
		b1 = Bid{Amount: r.MainTimeMs, SubmittedAt: now}
		r.Bids[p1] = b1
	}
	if !ok2 {
		b2 = Bid{Amount: r.MainTimeMs, SubmittedAt: now}
		r.Bids[p2] = b2
	}
	if b1.Amount == b2.Amount {
		r.Bids = map[string]Bid{}
		r.BidDeadline = now + r.Durations.BidMs
		return true
	}
	entries := []bidEntry{{p1, b1}, {p2, b2}}
	sortBids(entries)
	r.WinnerID = entries[0].playerID
	r.LoserID = entries[1].playerID
	r.WinningBidMs = entries[0].bid.Amount
	r.LosingBidMs = entries[1].bid.Amount
	r.Phase = PhaseColorPick
	r.CurrentPicker = PickerWinner
	r.ChoiceAttempts = 0
	r.ChoiceDeadline = now + r.Durations.ChoiceMs
	return true
}

// ChooseColor assigns both colors and starts the clocks. The bid winner plays
// on a clock reduced to their own bid regardless of which side picked.
func (r *Room) ChooseColor(playerID, color string, now int64) *Error {
	if strings.TrimSpace(playerID) == "" {
		return ErrPlayerIDRequired
	}
	if err := r.closedError(); err != nil {
		return err
	}
	if r.Phase != PhaseColorPick {
		return ErrNotInColorPick
	}
	if color != engine.White && color != engine.Black {
		return ErrInvalidColor
	}
	if playerID != r.pickerID() {
		return ErrNotAllowedToChoose
	}
	if r.ChoiceDeadline != 0 && now > r.ChoiceDeadline {
		return ErrChoiceDeadline
	}

	other := r.opponentOf(playerID)
	opposite := engine.Black
	if color == engine.Black {
		opposite = engine.White
	}
	r.Colors = map[string]string{playerID: color, other: opposite}

	whiteMs := r.MainTimeMs
	blackMs := r.MainTimeMs
	if r.Colors[r.WinnerID] == engine.White {
		whiteMs = r.WinningBidMs
	} else {
		blackMs = r.WinningBidMs
	}
	r.Clocks = &Clocks{
		WhiteRemainingMs: whiteMs,
		BlackRemainingMs: blackMs,
		LastTickAt:       now,
		Turn:             engine.White,
	}
	r.DrawOddsSide = r.colorOwner(engine.Black)
	r.CurrentPicker = ""
	r.ChoiceDeadline = 0
	r.Phase = PhasePlaying
	r.touch(now)
	return nil
}

// validMoveFormat checks the 4–5 char coordinate form: from-square,
// to-square, optional promotion letter.
func validMoveFormat(mv string) bool {
	if len(mv) != 4 && len(mv) != 5 {
		return false
	}
	sq := func(f, r byte) bool { return f >= 'a' && f <= 'h' && r >= '1' && r <= '8' }
	if !sq(mv[0], mv[1]) || !sq(mv[2], mv[3]) {
		return false
	}
	if len(mv) == 5 {
		switch mv[4] {
		case 'q', 'r', 'b', 'n':
		default:
			return false
		}
	}
	return true
}

func (r *Room) movesUCI() []string {
	out := make([]string, 0, len(r.Moves))
	for _, m := range r.Moves {
		out = append(out, m.Move)
	}
	return out
}

func (r *Room) remainingOf(color string) int64 {
	if color == engine.White {
		return r.Clocks.WhiteRemainingMs
	}
	return r.Clocks.BlackRemainingMs
}

func (r *Room) setRemaining(color string, ms int64) {
	if color == engine.White {
		r.Clocks.WhiteRemainingMs = ms
	} else {
		r.Clocks.BlackRemainingMs = ms
	}
}

// MakeMove applies one move for the side to move: deduct elapsed time, check
// flag-fall, validate against the engine, then flip the turn and detect
// terminal positions.
func (r *Room) MakeMove(playerID, mv string, now int64, f engine.Factory) *Error {
	if strings.TrimSpace(playerID) == "" {
		return ErrPlayerIDRequired
	}
	if err := r.closedError(); err != nil {
		return err
	}
	if r.Phase != PhasePlaying {
		return ErrNotPlaying
	}
	color := r.Colors[playerID]
	if color == "" {
		return ErrUnknownPlayerColor
	}
	if color != r.Clocks.Turn {
		return ErrNotYourTurn
	}

	elapsed := now - r.Clocks.LastTickAt
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := r.remainingOf(color) - elapsed
	if remaining <= 0 {
		r.flagFall(color, now, f)
		return nil
	}

	mv = strings.ToLower(strings.TrimSpace(mv))
	if !validMoveFormat(mv) {
		return ErrInvalidMoveFormat
	}
	pos, err := f.Replay(r.movesUCI())
	if err != nil {
		return ErrStorage
	}
	// A bare 4-char push onto the last rank must carry a promotion letter.
	if len(mv) == 4 && pos.RequiresPromotion(mv) {
		return ErrInvalidMoveFormat
	}
	if err := pos.TryMove(mv); err != nil {
		return ErrIllegalMove
	}

	r.setRemaining(color, remaining)
	r.Clocks.LastTickAt = now
	r.Clocks.Turn = pos.Turn()
	r.GameFEN = pos.FEN()
	r.Moves = append(r.Moves, Move{By: playerID, Move: mv, At: now})
	if r.DisconnectedPlayerID == playerID {
		r.DisconnectedPlayerID = ""
		r.DisconnectStart = 0
	}
	r.touch(now)

	if _, reason, over := pos.Terminal(); over {
		if reason == ResultCheckmate {
			r.finish(playerID, ResultCheckmate, reason, r.Durations.RematchMs, now)
		} else {
			r.finish("", ResultDraw, reason, r.Durations.RematchMs, now)
		}
	}
	return nil
}

// TimeForfeit lets a player claim the game when the side to move has let its
// clock run out without moving.
func (r *Room) TimeForfeit(playerID string, now int64, f engine.Factory) *Error {
	if strings.TrimSpace(playerID) == "" {
		return ErrPlayerIDRequired
	}
	if err := r.closedError(); err != nil {
		return err
	}
	if r.Phase != PhasePlaying {
		return ErrNotPlaying
	}
	if r.player(playerID) == nil {
		return ErrUnknownPlayer
	}
	flagColor := r.Clocks.Turn
	elapsed := now - r.Clocks.LastTickAt
	if elapsed < 0 {
		elapsed = 0
	}
	if r.remainingOf(flagColor)-elapsed > 0 {
		return ErrClockNotExpired
	}
	r.flagFall(flagColor, now, f)
	return nil
}

// flagFall adjudicates a fallen flag: win for the opponent when they retain
// mating material, otherwise a draw with the short rematch window.
func (r *Room) flagFall(flagColor string, now int64, f engine.Factory) {
	oppColor := engine.Black
	if flagColor == engine.Black {
		oppColor = engine.White
	}
	opponentID := r.colorOwner(oppColor)

	r.setRemaining(flagColor, 0)
	r.Clocks.LastTickAt = now

	canMate := true
	if pos, err := f.Replay(r.movesUCI()); err == nil {
		canMate = pos.Material(oppColor).CanMate()
	}
	if canMate {
		r.finish(opponentID, ResultTimeForfeit, "", r.Durations.RematchMs, now)
	} else {
		r.finish("", ResultDraw, ReasonTimeoutCannotMate, r.Durations.RematchShortMs, now)
	}
}

// finish moves the room to FINISHED and opens the rematch window.
func (r *Room) finish(winnerID, result, reason string, windowMs, now int64) {
	r.Phase = PhaseFinished
	r.WinnerID = winnerID
	if winnerID != "" {
		r.LoserID = r.opponentOf(winnerID)
	} else {
		r.LoserID = ""
	}
	r.Result = result
	r.Reason = reason
	r.RematchWindowEnds = now + windowMs
	r.RematchVotes = map[string]bool{}
	if r.Clocks != nil {
		r.Clocks.FrozenAt = now
	}
	r.DisconnectStart = 0
	r.touch(now)
}

// Rematch records an irreversible vote. Unanimous yes reopens the lobby; any
// no closes the room immediately.
func (r *Room) Rematch(playerID string, agree bool, now int64) *Error {
	if strings.TrimSpace(playerID) == "" {
		return ErrPlayerIDRequired
	}
	if err := r.closedError(); err != nil {
		return err
	}
	if r.Phase != PhaseFinished {
		return ErrNotFinished
	}
	if r.player(playerID) == nil {
		return ErrUnknownPlayer
	}
	if r.RematchWindowEnds != 0 && now > r.RematchWindowEnds {
		return ErrRematchWindowClosed
	}
	if _, voted := r.RematchVotes[playerID]; voted {
		return ErrAlreadyVoted
	}
	if r.RematchVotes == nil {
		r.RematchVotes = map[string]bool{}
	}
	r.RematchVotes[playerID] = agree
	r.touch(now)
	if !agree {
		r.close(CloseDeclinedRematch, now)
		return nil
	}
	if len(r.RematchVotes) == len(r.Players) {
		r.resetForRematch(now)
	}
	return nil
}

// YesVoters returns the players who voted for a rematch, in seat order. Used
// to re-enqueue them when the room closes without unanimity.
func (r *Room) YesVoters() []Player {
	var out []Player
	for _, p := range r.Players {
		if r.RematchVotes[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

// resetForRematch zeroes every round-scoped field and reopens the lobby,
// keeping the seats and the configured durations.
func (r *Room) resetForRematch(now int64) {
	r.Phase = PhaseLobby
	r.Bids = nil
	r.BidDeadline = 0
	r.StartRequestedBy = ""
	r.StartConfirmDeadline = 0
	r.WinnerID = ""
	r.LoserID = ""
	r.WinningBidMs = 0
	r.LosingBidMs = 0
	r.CurrentPicker = ""
	r.ChoiceAttempts = 0
	r.ChoiceDeadline = 0
	r.Colors = nil
	r.DrawOddsSide = ""
	r.Clocks = nil
	r.Moves = nil
	r.GameFEN = ""
	r.Result = ""
	r.Reason = ""
	r.RematchWindowEnds = 0
	r.RematchVotes = nil
	r.DisconnectedPlayerID = ""
	r.DisconnectStart = 0
	r.touch(now)
}

// Leave removes the player from the seat list in any phase.
func (r *Room) Leave(playerID string, now int64) {
	for i, p := range r.Players {
		if p.ID == playerID {
			r.Players = append(r.Players[:i], r.Players[i+1:]...)
			r.touch(now)
			return
		}
	}
}

// Heartbeat refreshes the activity timestamp.
func (r *Room) Heartbeat(now int64) {
	r.touch(now)
}

func (r *Room) close(reason string, now int64) {
	if r.Closed {
		return
	}
	r.Closed = true
	r.CloseReason = reason
	r.ClosedAt = now
}

// Advance runs the lazy deadline drivers. It is called before every operation
// and on getState; it never bumps UpdatedAt, so idle expiry and disconnect
// staleness keep measuring real player activity. Returns whether the record
// changed and must be re-persisted.
func (r *Room) Advance(now int64, f engine.Factory) bool {
	changed := false

	if r.Closed {
		if !r.IndexEvicted && r.CloseReason == CloseStartExpired && now-r.ClosedAt > startExpiredIndexLingerMs {
			r.IndexEvicted = true
			changed = true
		}
		return changed
	}

	// 1. Pending bid resolution (deadline default-fill, tie restarts).
	if r.Phase == PhaseBidding {
		if r.resolveBids(now) {
			changed = true
		}
	}

	// 2. Color-pick timeout rotation; the 4th missed attempt is a draw.
	if r.Phase == PhaseColorPick {
		for r.ChoiceDeadline != 0 && now > r.ChoiceDeadline {
			r.ChoiceAttempts++
			changed = true
			if r.ChoiceAttempts >= 4 {
				r.finish("", ResultDraw, ReasonColorPickTimeout, r.Durations.RematchMs, now)
				break
			}
			if r.CurrentPicker == PickerWinner {
				r.CurrentPicker = PickerLoser
			} else {
				r.CurrentPicker = PickerWinner
			}
			r.ChoiceDeadline += r.Durations.ChoiceMs
		}
	}

	// 3. Idle expiry.
	if now-r.UpdatedAt > r.Durations.MaxIdleMs {
		r.close(CloseRoomExpired, now)
		r.IndexEvicted = true
		return true
	}

	// 4. Start-request expiry.
	if r.Phase == PhaseLobby && r.StartConfirmDeadline != 0 && now > r.StartConfirmDeadline {
		r.close(CloseStartExpired, now)
		return true
	}

	// 5. Disconnect detection and enforcement, PLAYING only.
	if r.Phase == PhasePlaying {
		if r.DisconnectedPlayerID == "" && now-r.UpdatedAt > r.Durations.DisconnectGrace {
			mover := r.colorOwner(r.Clocks.Turn)
			// Source-system heuristic: the side to move is presumed to be the
			// one still interacting, so the waiting side gets flagged. This
			// misattributes when the mover is the silent one; preserved as-is.
			r.DisconnectedPlayerID = r.opponentOf(mover)
			r.DisconnectStart = now
			changed = true
		}
		if r.DisconnectedPlayerID != "" && r.DisconnectStart != 0 && now-r.DisconnectStart > r.Durations.DisconnectMs {
			winner := r.opponentOf(r.DisconnectedPlayerID)
			r.finish(winner, ResultDisconnectForfeit, ResultDisconnectForfeit, r.Durations.RematchMs, now)
			r.CloseReason = ResultDisconnectForfeit
			changed = true
		}
	}

	// 6. Rematch window expiry closes the room; yes-voters get re-enqueued by
	// the actor when it observes the close.
	if r.Phase == PhaseFinished && r.RematchWindowEnds != 0 && now > r.RematchWindowEnds {
		r.close(CloseRematchTimeout, now)
		changed = true
	}

	return changed
}
