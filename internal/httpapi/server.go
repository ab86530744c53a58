// Package httpapi is the transport layer: it parses requests, routes them to
// a room actor or the match index, and owns the composite matchmaking flows.
// It holds no game state of its own.
package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/bidchess-server/internal/config"
	"github.com/park285/bidchess-server/internal/matchindex"
	"github.com/park285/bidchess-server/internal/obslog"
	"github.com/park285/bidchess-server/internal/room"
)

// Server wires the routes over the registry and the index.
type Server struct {
	cfg *config.AppConfig
	reg *room.Registry
	idx *matchindex.Manager
}

func NewServer(cfg *config.AppConfig, reg *room.Registry, idx *matchindex.Manager) *Server {
	s := &Server{cfg: cfg, reg: reg, idx: idx}
	// Directives raised outside a request, e.g. a rematch re-enqueue meeting
	// a waiting player, still have to become rooms.
	idx.OnMatch(func(ctx context.Context, d *matchindex.MatchDirective) {
		if _, rerr := s.createFromDirective(ctx, d); rerr != nil {
			obslog.L().Error("requeue_match_create_error",
				zap.Int64("main_time_ms", d.MainTimeMs),
				zap.String("code", rerr.Code),
			)
		}
	})
	return s
}

// Handler builds the gin engine with all routes mounted.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/rooms", s.createRoom)
	r.POST("/rooms/join-next", s.joinNext)
	r.GET("/rooms/available-count", s.availableCount)

	r.POST("/queue/join", s.queueJoin)
	r.POST("/queue/joinAll", s.queueJoinAll)
	r.POST("/queue/leave", s.queueLeave)
	r.POST("/queue/checkMatch", s.queueCheckMatch)
	r.POST("/queue/heartbeat", s.queueHeartbeat)
	r.GET("/queue/status", s.queueStatus)
	r.GET("/queue/ws", s.queueWS)

	r.GET("/rooms/:id", s.getRoom)
	r.GET("/rooms/:id/ws", s.roomWS)
	r.POST("/rooms/:id/:action", s.roomAction)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})
	return r
}

func fail(c *gin.Context, err *room.Error) {
	c.JSON(err.Status, gin.H{"error": err.Code})
}

type createRoomReq struct {
	RoomID           string `json:"roomId"`
	MaxPlayers       int    `json:"maxPlayers"`
	MainTimeMs       int64  `json:"mainTimeMs"`
	BidDurationMs    int64  `json:"bidDurationMs"`
	ChoiceDurationMs int64  `json:"choiceDurationMs"`
	Private          bool   `json:"private"`
	PlayerID         string `json:"playerId"`
	Name             string `json:"name"`
}

// durations builds the per-room windows from config, honoring the request's
// bid and choice overrides.
func (s *Server) durations(bidMs, choiceMs int64) room.Durations {
	d := room.Durations{
		BidMs:           s.cfg.BidDurationMs,
		ChoiceMs:        s.cfg.ChoiceDurationMs,
		StartConfirmMs:  s.cfg.StartConfirmMs,
		DisconnectGrace: s.cfg.DisconnectGraceMs,
		DisconnectMs:    s.cfg.DisconnectTimeoutMs,
		RematchMs:       s.cfg.RematchWindowMs,
		RematchShortMs:  s.cfg.RematchWindowShortMs,
		MaxIdleMs:       s.cfg.RoomMaxIdleMs,
	}
	if bidMs > 0 {
		d.BidMs = bidMs
	}
	if choiceMs > 0 {
		d.ChoiceMs = choiceMs
	}
	return d
}

func (s *Server) createRoom(c *gin.Context) {
	var req createRoomReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, room.ErrPlayerIDRequired)
		return
	}
	mainTimeMs := req.MainTimeMs
	if mainTimeMs == 0 {
		mainTimeMs = s.cfg.MainTimeMs
	}
	if !s.cfg.SupportsTimeControl(mainTimeMs) {
		fail(c, matchindex.ErrUnsupportedTimeControl)
		return
	}
	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" {
		roomID = uuid.NewString()
	}

	params := room.InitParams{
		RoomID:     roomID,
		MaxPlayers: req.MaxPlayers,
		Private:    req.Private,
		MainTimeMs: mainTimeMs,
		Durations:  s.durations(req.BidDurationMs, req.ChoiceDurationMs),
	}
	if strings.TrimSpace(req.PlayerID) != "" {
		params.Creator = &room.Player{ID: req.PlayerID, Name: req.Name}
	}

	_, rm, rerr := s.reg.Create(c.Request.Context(), params)
	if rerr != nil {
		fail(c, rerr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "roomId": rm.RoomID, "meta": rm})
}

type joinNextReq struct {
	PlayerID   string `json:"playerId"`
	Name       string `json:"name"`
	MainTimeMs int64  `json:"mainTimeMs"`
}

// joinNext joins the first public lobby with a free seat, creating a fresh
// room when none exists.
func (s *Server) joinNext(c *gin.Context) {
	var req joinNextReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.PlayerID) == "" {
		fail(c, room.ErrPlayerIDRequired)
		return
	}
	mainTimeMs := req.MainTimeMs
	if mainTimeMs == 0 {
		mainTimeMs = s.cfg.MainTimeMs
	}

	if roomID, ok := s.idx.FindAvailable(mainTimeMs); ok {
		a, rerr := s.reg.Get(c.Request.Context(), roomID)
		if rerr == nil {
			if rm, jerr := a.Join(req.PlayerID, req.Name); jerr == nil {
				c.JSON(http.StatusOK, gin.H{"ok": true, "roomId": rm.RoomID, "room": rm})
				return
			}
		}
		// The lobby vanished between listing and joining; fall through and
		// open a new one.
	}

	_, rm, rerr := s.reg.Create(c.Request.Context(), room.InitParams{
		RoomID:     uuid.NewString(),
		MainTimeMs: mainTimeMs,
		Durations:  s.durations(0, 0),
		Creator:    &room.Player{ID: req.PlayerID, Name: req.Name},
	})
	if rerr != nil {
		fail(c, rerr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "roomId": rm.RoomID, "room": rm})
}

func (s *Server) availableCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "count": s.idx.AvailableCount()})
}

type queueReq struct {
	PlayerID   string `json:"playerId"`
	Name       string `json:"name"`
	MainTimeMs int64  `json:"mainTimeMs"`
}

func (s *Server) queueJoin(c *gin.Context) {
	var req queueReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, room.ErrPlayerIDRequired)
		return
	}
	directive, pos, rerr := s.idx.AddToQueue(c.Request.Context(), req.PlayerID, req.Name, req.MainTimeMs)
	if rerr != nil {
		fail(c, rerr)
		return
	}
	s.finishQueueJoin(c, directive, pos)
}

func (s *Server) queueJoinAll(c *gin.Context) {
	var req queueReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, room.ErrPlayerIDRequired)
		return
	}
	directive, pos, rerr := s.idx.JoinAll(c.Request.Context(), req.PlayerID, req.Name)
	if rerr != nil {
		fail(c, rerr)
		return
	}
	s.finishQueueJoin(c, directive, pos)
}

// createFromDirective turns a match directive into a real room: create it
// seeded with the matched pair, then drop both from every queue.
func (s *Server) createFromDirective(ctx context.Context, directive *matchindex.MatchDirective) (*room.Room, *room.Error) {
	players := make([]room.Player, 0, len(directive.QueuedPlayers))
	ids := make([]string, 0, len(directive.QueuedPlayers))
	for _, q := range directive.QueuedPlayers {
		players = append(players, room.Player{ID: q.PlayerID, Name: q.Name})
		ids = append(ids, q.PlayerID)
	}

	_, rm, rerr := s.reg.Create(ctx, room.InitParams{
		RoomID:     uuid.NewString(),
		MainTimeMs: directive.MainTimeMs,
		Durations:  s.durations(0, 0),
		Queued:     players,
	})
	if rerr != nil {
		return nil, rerr
	}
	s.idx.RemoveFromAllQueues(ctx, ids...)
	obslog.L().Info("queue_matched",
		zap.String("room_id", rm.RoomID),
		zap.Int64("main_time_ms", directive.MainTimeMs),
		zap.Strings("player_ids", ids),
	)
	return rm, nil
}

func (s *Server) finishQueueJoin(c *gin.Context, directive *matchindex.MatchDirective, pos int) {
	if directive == nil || !directive.ShouldCreateRoom {
		c.JSON(http.StatusOK, gin.H{"ok": true, "queued": true, "queuePosition": pos})
		return
	}
	rm, rerr := s.createFromDirective(c.Request.Context(), directive)
	if rerr != nil {
		fail(c, rerr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "roomId": rm.RoomID, "room": rm})
}

func (s *Server) queueLeave(c *gin.Context) {
	var req queueReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.PlayerID) == "" {
		fail(c, room.ErrPlayerIDRequired)
		return
	}
	s.idx.RemoveFromAllQueues(c.Request.Context(), req.PlayerID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) queueCheckMatch(c *gin.Context) {
	var req queueReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.PlayerID) == "" {
		fail(c, room.ErrPlayerIDRequired)
		return
	}
	res := s.idx.CheckMatch(req.PlayerID)
	if !res.Matched {
		c.JSON(http.StatusOK, gin.H{"ok": true, "matched": false, "inQueue": res.InQueue})
		return
	}
	resp := gin.H{"ok": true, "matched": true, "roomId": res.RoomID}
	if a, rerr := s.reg.Get(c.Request.Context(), res.RoomID); rerr == nil {
		if rm, gerr := a.GetState(); gerr == nil {
			resp["room"] = rm
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) queueHeartbeat(c *gin.Context) {
	var req queueReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.PlayerID) == "" {
		fail(c, room.ErrPlayerIDRequired)
		return
	}
	s.idx.Heartbeat(c.Request.Context(), req.PlayerID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) queueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "estimates": s.idx.QueueStatus(c.Request.Context())})
}

func (s *Server) getRoom(c *gin.Context) {
	a, rerr := s.reg.Get(c.Request.Context(), c.Param("id"))
	if rerr != nil {
		fail(c, rerr)
		return
	}
	rm, rerr := a.GetState()
	if rerr != nil {
		fail(c, rerr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "room": rm})
}

type actionReq struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Amount   *int64 `json:"amount"`
	Color    string `json:"color"`
	Move     string `json:"move"`
	Agree    *bool  `json:"agree"`
}

// roomAction dispatches the per-room mutations. Unknown actions 404 like
// unknown routes.
func (s *Server) roomAction(c *gin.Context) {
	a, rerr := s.reg.Get(c.Request.Context(), c.Param("id"))
	if rerr != nil {
		fail(c, rerr)
		return
	}
	var req actionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, room.ErrPlayerIDRequired)
		return
	}

	var rm *room.Room
	switch c.Param("action") {
	case "join":
		rm, rerr = a.Join(req.PlayerID, req.Name)
	case "start-bidding":
		rm, rerr = a.StartBidding(req.PlayerID)
	case "submit-bid":
		if req.Amount == nil {
			fail(c, &room.Error{Code: "playerId_and_amount_required", Status: 400})
			return
		}
		rm, rerr = a.SubmitBid(req.PlayerID, *req.Amount)
	case "choose-color":
		rm, rerr = a.ChooseColor(req.PlayerID, req.Color)
	case "move":
		rm, rerr = a.MakeMove(req.PlayerID, req.Move)
	case "time-forfeit":
		rm, rerr = a.TimeForfeit(req.PlayerID)
	case "rematch":
		agree := true
		if req.Agree != nil {
			agree = *req.Agree
		}
		rm, rerr = a.Rematch(req.PlayerID, agree)
	case "leave":
		rm, rerr = a.Leave(req.PlayerID)
	case "heartbeat":
		rm, rerr = a.Heartbeat(req.PlayerID)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if rerr != nil {
		fail(c, rerr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "room": rm})
}
