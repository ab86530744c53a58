package matchindex

import "github.com/park285/bidchess-server/internal/room"

// QueueEntry is one waiting player in a time-control bucket.
type QueueEntry struct {
	PlayerID      string `json:"playerId"`
	Name          string `json:"name"`
	JoinedAt      int64  `json:"joinedAt"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
}

// MatchDirective tells the caller to create a room for the first two waiting
// players of a bucket. The caller creates the room and then removes both
// players from every queue.
type MatchDirective struct {
	ShouldCreateRoom bool
	MainTimeMs       int64
	QueuedPlayers    []QueueEntry
}

// Estimate states.
const (
	EstimateMatchNow = "match_now"
	EstimateNone     = "none"
	EstimateWait     = "wait"
)

// Estimate is the per-time-control wait summary shown on the queue screen.
type Estimate struct {
	QueueLength int    `json:"queueLength"`
	ActiveGames int    `json:"activeGames"`
	Estimate    string `json:"estimate"`
	EtaMs       int64  `json:"etaMs,omitempty"`
}

// anchor pins the displayed ETA to one specific game so it counts down
// steadily instead of jumping with every clock snapshot.
type anchor struct {
	GameID     string `json:"gameId"`
	StartTime  int64  `json:"startTime"`
	DurationMs int64  `json:"durationMs"`
}

// CheckMatchResult answers "did my queue entry turn into a room yet".
type CheckMatchResult struct {
	Matched bool   `json:"matched"`
	RoomID  string `json:"roomId,omitempty"`
	InQueue bool   `json:"inQueue"`
}

var ErrUnsupportedTimeControl = &room.Error{Code: "unsupported_time_control", Status: 400}
