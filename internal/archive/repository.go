// Package archive writes finished games to Postgres. The archive is a sink:
// nothing in the live game path reads it back, and a write failure never
// blocks a room commit.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/park285/bidchess-server/internal/room"
)

const schema = `
CREATE TABLE IF NOT EXISTS finished_games (
    id             BIGSERIAL PRIMARY KEY,
    room_id        TEXT        NOT NULL,
    white_id       TEXT        NOT NULL DEFAULT '',
    black_id       TEXT        NOT NULL DEFAULT '',
    winner_id      TEXT        NOT NULL DEFAULT '',
    result         TEXT        NOT NULL,
    reason         TEXT        NOT NULL DEFAULT '',
    main_time_ms   BIGINT      NOT NULL,
    winning_bid_ms BIGINT      NOT NULL DEFAULT 0,
    losing_bid_ms  BIGINT      NOT NULL DEFAULT 0,
    moves_uci      JSONB       NOT NULL DEFAULT '[]',
    final_fen      TEXT        NOT NULL DEFAULT '',
    started_at     BIGINT      NOT NULL DEFAULT 0,
    ended_at       BIGINT      NOT NULL DEFAULT 0,
    duration_ms    BIGINT      NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS finished_games_room_id_idx ON finished_games (room_id);
`

// Repository stores game results. Safe for concurrent use; *sql.DB pools.
type Repository struct{ db *sql.DB }

// Open connects and ensures the schema. databaseURL is a lib/pq DSN.
func Open(ctx context.Context, databaseURL string) (*Repository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	repo := &Repository{db: db}
	if err := repo.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// NewRepository wraps an existing handle without schema management.
func NewRepository(db *sql.DB) *Repository { return &Repository{db: db} }

func (r *Repository) ensureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure archive schema: %w", err)
	}
	return nil
}

// SaveResult appends one finished game. Rematches in the same room produce
// separate rows.
func (r *Repository) SaveResult(ctx context.Context, rm *room.Room) error {
	moves := make([]string, 0, len(rm.Moves))
	var startedAt, endedAt int64
	for _, m := range rm.Moves {
		moves = append(moves, m.Move)
	}
	if len(rm.Moves) > 0 {
		startedAt = rm.Moves[0].At
	}
	if rm.Clocks != nil && rm.Clocks.FrozenAt != 0 {
		endedAt = rm.Clocks.FrozenAt
	} else {
		endedAt = rm.UpdatedAt
	}
	var durationMs int64
	if startedAt != 0 && endedAt > startedAt {
		durationMs = endedAt - startedAt
	}
	movesJSON, err := json.Marshal(moves)
	if err != nil {
		return fmt.Errorf("marshal moves: %w", err)
	}

	var whiteID, blackID string
	for id, color := range rm.Colors {
		if color == "white" {
			whiteID = id
		} else {
			blackID = id
		}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO finished_games (
			room_id, white_id, black_id, winner_id, result, reason,
			main_time_ms, winning_bid_ms, losing_bid_ms,
			moves_uci, final_fen, started_at, ended_at, duration_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rm.RoomID, whiteID, blackID, rm.WinnerID, rm.Result, rm.Reason,
		rm.MainTimeMs, rm.WinningBidMs, rm.LosingBidMs,
		movesJSON, rm.GameFEN, startedAt, endedAt, durationMs,
	)
	if err != nil {
		return fmt.Errorf("insert finished game: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r *Repository) Close() error { return r.db.Close() }
