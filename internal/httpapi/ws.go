package httpapi

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/bidchess-server/internal/obslog"
	"github.com/park285/bidchess-server/internal/room"
)

// roomWS upgrades to the live per-room stream: an init frame with the current
// state, then one update frame per committed mutation. The socket is
// read-discarded; clients mutate over HTTP.
func (s *Server) roomWS(c *gin.Context) {
	playerID := c.Query("playerId")
	a, rerr := s.reg.Get(c.Request.Context(), c.Param("id"))
	if rerr != nil {
		fail(c, rerr)
		return
	}
	sub, state, rerr := a.Subscribe(playerID)
	if rerr != nil {
		fail(c, rerr)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.Unsubscribe(sub)
		obslog.L().Warn("ws_accept_error", zap.String("room_id", c.Param("id")), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	defer a.Unsubscribe(sub)

	ctx := c.Request.Context()

	init, err := json.Marshal(struct {
		Type string     `json:"type"`
		Room *room.Room `json:"room"`
	}{Type: "init", Room: state})
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, init); err != nil {
		return
	}

	readDone := discardReads(ctx, conn)
	for {
		select {
		case frame, ok := <-sub.Frames:
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		case <-readDone:
			return
		case <-ctx.Done():
			return
		}
	}
}

// queueWS streams queue_update pings so waiting clients can refresh their
// estimates without polling.
func (s *Server) queueWS(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.String("socket", "queue"), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := s.idx.Subscribe()
	defer s.idx.Unsubscribe(sub)

	ctx := c.Request.Context()
	readDone := discardReads(ctx, conn)
	for {
		select {
		case frame, ok := <-sub.Frames:
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		case <-readDone:
			return
		case <-ctx.Done():
			return
		}
	}
}

// discardReads drains incoming frames so pings get answered, closing the
// returned channel when the peer goes away.
func discardReads(ctx context.Context, conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()
	return done
}
