package room

// Phase is the lifecycle stage of a room.
type Phase string

const (
	PhaseLobby     Phase = "LOBBY"
	PhaseBidding   Phase = "BIDDING"
	PhaseColorPick Phase = "COLOR_PICK"
	PhasePlaying   Phase = "PLAYING"
	PhaseFinished  Phase = "FINISHED"
)

// Picker roles for the color-pick rotation.
const (
	PickerWinner = "winner"
	PickerLoser  = "loser"
)

// Player is a seated participant.
type Player struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	JoinedAt int64  `json:"joinedAt"`
}

// Bid is a sealed time bid in milliseconds.
type Bid struct {
	Amount      int64 `json:"amount"`
	SubmittedAt int64 `json:"submittedAt"`
}

// Clocks holds the live chess clocks. Remaining values are only settled up to
// LastTickAt; the elapsed share of the side to move is deducted on its move.
type Clocks struct {
	WhiteRemainingMs int64  `json:"whiteRemainingMs"`
	BlackRemainingMs int64  `json:"blackRemainingMs"`
	LastTickAt       int64  `json:"lastTickAt"`
	Turn             string `json:"turn"`
	FrozenAt         int64  `json:"frozenAt,omitempty"`
}

// Move is one applied move in UCI-ish coordinate form.
type Move struct {
	By   string `json:"by"`
	Move string `json:"move"`
	At   int64  `json:"at"`
}

// Durations are the per-room configured windows, persisted with the record so
// a rehydrated actor keeps enforcing the same deadlines. All milliseconds.
type Durations struct {
	BidMs           int64 `json:"bidDurationMs"`
	ChoiceMs        int64 `json:"choiceDurationMs"`
	StartConfirmMs  int64 `json:"startConfirmMs"`
	DisconnectGrace int64 `json:"disconnectGraceMs"`
	DisconnectMs    int64 `json:"disconnectTimeoutMs"`
	RematchMs       int64 `json:"rematchWindowMs"`
	RematchShortMs  int64 `json:"rematchWindowShortMs"`
	MaxIdleMs       int64 `json:"maxIdleMs"`
}

// Room is the persisted state of one game room. It is a flat record; field
// validity is gated by Phase (zero values mean "unset for this phase").
// All timestamps are absolute wall-clock unix milliseconds.
type Room struct {
	RoomID     string    `json:"roomId"`
	Phase      Phase     `json:"phase"`
	Players    []Player  `json:"players"`
	MaxPlayers int       `json:"maxPlayers"`
	Private    bool      `json:"private"`
	MainTimeMs int64     `json:"mainTimeMs"`
	Durations  Durations `json:"durations"`

	// BIDDING
	Bids        map[string]Bid `json:"bids,omitempty"`
	BidDeadline int64          `json:"bidDeadline,omitempty"`

	// Two-step start.
	StartRequestedBy     string `json:"startRequestedBy,omitempty"`
	StartConfirmDeadline int64  `json:"startConfirmDeadline,omitempty"`

	// Bid outcome. WinnerID doubles as the game winner once FINISHED.
	WinnerID     string `json:"winnerId,omitempty"`
	LoserID      string `json:"loserId,omitempty"`
	WinningBidMs int64  `json:"winningBidMs,omitempty"`
	LosingBidMs  int64  `json:"losingBidMs,omitempty"`

	// COLOR_PICK
	CurrentPicker  string `json:"currentPicker,omitempty"`
	ChoiceAttempts int    `json:"choiceAttempts,omitempty"`
	ChoiceDeadline int64  `json:"choiceDeadline,omitempty"`

	// PLAYING
	Colors       map[string]string `json:"colors,omitempty"`
	DrawOddsSide string            `json:"drawOddsSide,omitempty"`
	Clocks       *Clocks           `json:"clocks,omitempty"`
	Moves        []Move            `json:"moves,omitempty"`
	GameFEN      string            `json:"gameFen,omitempty"`

	// FINISHED
	Result            string          `json:"result,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	RematchWindowEnds int64           `json:"rematchWindowEnds,omitempty"`
	RematchVotes      map[string]bool `json:"rematchVotes,omitempty"`

	// Liveness.
	DisconnectedPlayerID string `json:"disconnectedPlayerId,omitempty"`
	DisconnectStart      int64  `json:"disconnectStart,omitempty"`

	Closed       bool   `json:"closed,omitempty"`
	CloseReason  string `json:"closeReason,omitempty"`
	ClosedAt     int64  `json:"closedAt,omitempty"`
	IndexEvicted bool   `json:"indexEvicted,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Clone deep-copies the record so a failed mutation never leaks into the
// actor's committed state.
func (r *Room) Clone() *Room {
	cp := *r
	cp.Players = append([]Player(nil), r.Players...)
	cp.Moves = append([]Move(nil), r.Moves...)
	if r.Bids != nil {
		cp.Bids = make(map[string]Bid, len(r.Bids))
		for k, v := range r.Bids {
			cp.Bids[k] = v
		}
	}
	if r.Colors != nil {
		cp.Colors = make(map[string]string, len(r.Colors))
		for k, v := range r.Colors {
			cp.Colors[k] = v
		}
	}
	if r.RematchVotes != nil {
		cp.RematchVotes = make(map[string]bool, len(r.RematchVotes))
		for k, v := range r.RematchVotes {
			cp.RematchVotes[k] = v
		}
	}
	if r.Clocks != nil {
		c := *r.Clocks
		cp.Clocks = &c
	}
	return &cp
}

func (r *Room) player(id string) *Player {
	for i := range r.Players {
		if r.Players[i].ID == id {
			return &r.Players[i]
		}
	}
	return nil
}

func (r *Room) opponentOf(id string) string {
	for _, p := range r.Players {
		if p.ID != id {
			return p.ID
		}
	}
	return ""
}

// colorOwner returns the player holding the given color, empty if unassigned.
func (r *Room) colorOwner(color string) string {
	for id, c := range r.Colors {
		if c == color {
			return id
		}
	}
	return ""
}

// pickerID resolves CurrentPicker to a player ID.
func (r *Room) pickerID() string {
	if r.CurrentPicker == PickerLoser {
		return r.LoserID
	}
	return r.WinnerID
}

// Error is a user-facing failure code with an HTTP status. Codes travel as
// {"error": code} in responses, never as thrown text.
type Error struct {
	Code   string
	Status int
}

func (e *Error) Error() string { return e.Code }

func badRequest(code string) *Error { return &Error{Code: code, Status: 400} }
func gone(code string) *Error       { return &Error{Code: code, Status: 410} }

var (
	// Phase errors.
	ErrNotInLobby     = badRequest("not_in_lobby")
	ErrNotBidding     = badRequest("not_bidding")
	ErrNotInColorPick = badRequest("not_in_color_pick")
	ErrNotPlaying     = badRequest("not_playing")
	ErrNotFinished    = badRequest("not_finished")
	ErrInvalidPhase   = badRequest("invalid_phase")

	// Input validation.
	ErrPlayerIDRequired  = badRequest("playerId_required")
	ErrInvalidBidAmount  = badRequest("invalid_bid_amount")
	ErrInvalidColor      = badRequest("invalid_color")
	ErrInvalidMoveFormat = badRequest("invalid_move_format")

	// Authorization.
	ErrNotAllowedToChoose = badRequest("not_allowed_to_choose")
	ErrNotYourTurn        = badRequest("not_your_turn")
	ErrUnknownPlayer      = badRequest("unknown_player")
	ErrUnknownPlayerColor = badRequest("unknown_player_color")

	// Resource state.
	ErrAlreadyInitialized = badRequest("already_initialized")
	ErrAlreadyBid         = badRequest("already_bid")
	ErrAlreadyVoted       = badRequest("already_voted")
	ErrAlreadyRequested   = badRequest("already_requested")
	ErrRoomFull           = badRequest("room_full")
	ErrRoomNotFound       = &Error{Code: "room_not_found", Status: 404}
	ErrRoomClosed         = gone("room_closed")
	ErrRoomExpired        = gone("room_expired")
	ErrRoomTooOld         = gone("room_too_old")

	// Deadlines.
	ErrBiddingClosed       = badRequest("bidding_closed")
	ErrChoiceDeadline      = badRequest("choice_deadline_passed")
	ErrStartRequestExpired = badRequest("start_request_expired")
	ErrRematchWindowClosed = badRequest("rematch_window_closed")
	ErrNeedMorePlayers     = badRequest("need_more_players")
	ErrClockNotExpired     = badRequest("clock_not_expired")

	// Rules.
	ErrIllegalMove = badRequest("illegal_move")

	// Infrastructure.
	ErrStorage = &Error{Code: "storage_error", Status: 500}
)

// Result / close-reason tokens.
const (
	ResultCheckmate         = "checkmate"
	ResultTimeForfeit       = "time_forfeit"
	ResultDraw              = "draw"
	ResultDisconnectForfeit = "disconnect_forfeit"

	ReasonTimeoutCannotMate = "timeout_but_opponent_cannot_mate"
	ReasonColorPickTimeout  = "color_pick_timeout"

	CloseDeclinedRematch = "declined_rematch"
	CloseRematchTimeout  = "rematch_timeout"
	CloseStartExpired    = "start_expired"
	CloseRoomExpired     = "room_expired"
)
