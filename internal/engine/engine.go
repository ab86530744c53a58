// Package engine wraps github.com/corentings/chess/v2 behind the narrow
// surface the room state machine needs: replay a move list, attempt a move,
// snapshot the FEN, detect terminal outcomes, and census remaining material
// for flag-fall adjudication.
package engine

import (
	"errors"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// Side names used across the wire contract.
const (
	White = "white"
	Black = "black"
)

var (
	ErrIllegalMove = errors.New("illegal_move")
	ErrBadMoveList = errors.New("stored move list does not replay")
)

// Factory builds positions from persisted UCI move lists.
type Factory interface {
	Replay(movesUCI []string) (Position, error)
}

// Position is a live chess position. Implementations are not safe for
// concurrent use; the room actor owns one at a time.
type Position interface {
	// TryMove applies a UCI move, returning ErrIllegalMove when refused.
	TryMove(uci string) error
	FEN() string
	// Turn returns the side to move, White or Black.
	Turn() string
	// Terminal reports whether the game is over. winner is empty on draws;
	// reason is a snake_case cause such as "checkmate" or "stalemate".
	Terminal() (winner string, reason string, over bool)
	// Material counts the remaining pieces (kings excluded) for a side.
	Material(color string) Material
	// RequiresPromotion reports whether uci pushes a pawn onto the last rank,
	// meaning a promotion letter is mandatory.
	RequiresPromotion(uci string) bool
}

// Material is a per-side census of remaining pieces, kings excluded.
type Material struct {
	Queens  int
	Rooks   int
	Pawns   int
	Bishops int
	Knights int
}

// CanMate reports whether a side with this material can still deliver
// checkmate: any queen, rook or pawn, or at least two minor pieces.
func (m Material) CanMate() bool {
	if m.Queens > 0 || m.Rooks > 0 || m.Pawns > 0 {
		return true
	}
	return m.Bishops+m.Knights >= 2
}

type factory struct{}

// NewFactory returns the chess/v2-backed factory.
func NewFactory() Factory { return factory{} }

// Replay reconstructs the position from the start position by applying the
// stored UCI moves. The persisted FEN is presentation-only; replaying the
// move list keeps repetition and fifty-move counters intact.
func (factory) Replay(movesUCI []string) (Position, error) {
	game := nchess.NewGame()
	for _, mv := range movesUCI {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, ErrBadMoveList
		}
	}
	return &position{game: game}, nil
}

type position struct {
	game *nchess.Game
}

func (p *position) TryMove(uci string) error {
	if err := p.game.PushNotationMove(strings.ToLower(strings.TrimSpace(uci)), nchess.UCINotation{}, nil); err != nil {
		return ErrIllegalMove
	}
	return nil
}

func (p *position) FEN() string { return p.game.FEN() }

func (p *position) Turn() string {
	if p.game.Position().Turn() == nchess.White {
		return White
	}
	return Black
}

func (p *position) Terminal() (string, string, bool) {
	outcome := p.game.Outcome()
	if outcome == nchess.NoOutcome {
		return "", "", false
	}
	reason := methodReason(p.game.Method())
	switch outcome {
	case nchess.WhiteWon:
		return White, reason, true
	case nchess.BlackWon:
		return Black, reason, true
	default:
		if reason == "" {
			reason = "draw"
		}
		return "", reason, true
	}
}

func (p *position) Material(color string) Material {
	want := nchess.White
	if color == Black {
		want = nchess.Black
	}
	var m Material
	board := p.game.Position().Board()
	for file := nchess.FileA; file <= nchess.FileH; file++ {
		for rank := nchess.Rank1; rank <= nchess.Rank8; rank++ {
			piece := board.Piece(nchess.NewSquare(file, rank))
			if piece == nchess.NoPiece || piece.Color() != want {
				continue
			}
			switch piece.Type() {
			case nchess.Queen:
				m.Queens++
			case nchess.Rook:
				m.Rooks++
			case nchess.Pawn:
				m.Pawns++
			case nchess.Bishop:
				m.Bishops++
			case nchess.Knight:
				m.Knights++
			}
		}
	}
	return m
}

func (p *position) RequiresPromotion(uci string) bool {
	uci = strings.ToLower(strings.TrimSpace(uci))
	if len(uci) < 4 {
		return false
	}
	from, ok := parseSquare(uci[0:2])
	if !ok {
		return false
	}
	toRank := uci[3]
	if toRank != '1' && toRank != '8' {
		return false
	}
	piece := p.game.Position().Board().Piece(from)
	return piece != nchess.NoPiece && piece.Type() == nchess.Pawn
}

func parseSquare(s string) (nchess.Square, bool) {
	if len(s) != 2 || s[0] < 'a' || s[0] > 'h' || s[1] < '1' || s[1] > '8' {
		return nchess.NewSquare(nchess.FileA, nchess.Rank1), false
	}
	return nchess.NewSquare(nchess.File(s[0]-'a'), nchess.Rank(s[1]-'1')), true
}

// methodReason lowercases chess/v2's Method into a snake_case cause.
func methodReason(method nchess.Method) string {
	if method == nchess.NoMethod {
		return ""
	}
	var b strings.Builder
	for i, r := range method.String() {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
