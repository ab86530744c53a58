package engine

import "testing"

func TestReplayAndTurn(t *testing.T) {
	f := NewFactory()
	pos, err := f.Replay([]string{"e2e4", "e7e5"})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got := pos.Turn(); got != White {
		t.Fatalf("turn = %q, want white", got)
	}
	if err := pos.TryMove("g1f3"); err != nil {
		t.Fatalf("TryMove g1f3: %v", err)
	}
	if got := pos.Turn(); got != Black {
		t.Fatalf("turn after move = %q, want black", got)
	}
	if fen := pos.FEN(); fen == "" {
		t.Fatal("empty FEN")
	}
}

func TestReplayRejectsBadList(t *testing.T) {
	if _, err := NewFactory().Replay([]string{"e2e4", "e2e4"}); err != ErrBadMoveList {
		t.Fatalf("err = %v, want ErrBadMoveList", err)
	}
}

func TestTryMoveIllegal(t *testing.T) {
	pos, err := NewFactory().Replay(nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if err := pos.TryMove("e2e5"); err != ErrIllegalMove {
		t.Fatalf("err = %v, want ErrIllegalMove", err)
	}
	if err := pos.TryMove("a1a2"); err != ErrIllegalMove {
		t.Fatalf("err = %v, want ErrIllegalMove", err)
	}
}

func TestFoolsMateTerminal(t *testing.T) {
	pos, err := NewFactory().Replay([]string{"f2f3", "e7e5", "g2g4", "d8h4"})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	winner, reason, over := pos.Terminal()
	if !over {
		t.Fatal("expected game over")
	}
	if winner != Black {
		t.Fatalf("winner = %q, want black", winner)
	}
	if reason != "checkmate" {
		t.Fatalf("reason = %q, want checkmate", reason)
	}
}

func TestNotTerminalAtStart(t *testing.T) {
	pos, err := NewFactory().Replay(nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if _, _, over := pos.Terminal(); over {
		t.Fatal("start position reported terminal")
	}
}

func TestRequiresPromotion(t *testing.T) {
	// March the a-pawn to a7: 1.a4 b5 2.axb5 h6 3.b6 h5 4.bxa7 h4.
	pos, err := NewFactory().Replay([]string{"a2a4", "b7b5", "a4b5", "h7h6", "b5b6", "h6h5", "b6a7", "h5h4"})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !pos.RequiresPromotion("a7b8") {
		t.Fatal("a7b8 should require a promotion letter")
	}
	if pos.RequiresPromotion("e2e4") {
		t.Fatal("e2e4 is not a promotion")
	}
	if err := pos.TryMove("a7b8q"); err != nil {
		t.Fatalf("promotion capture refused: %v", err)
	}
}

func TestMaterialCensus(t *testing.T) {
	// 1.a4 b5 2.axb5 strips one black pawn.
	pos, err := NewFactory().Replay([]string{"a2a4", "b7b5", "a4b5"})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	white := pos.Material(White)
	black := pos.Material(Black)
	if white.Pawns != 8 || black.Pawns != 7 {
		t.Fatalf("pawns = %d/%d, want 8/7", white.Pawns, black.Pawns)
	}
	if white.Queens != 1 || white.Rooks != 2 || white.Bishops != 2 || white.Knights != 2 {
		t.Fatalf("unexpected white census: %+v", white)
	}
}

func TestCanMate(t *testing.T) {
	cases := []struct {
		name string
		m    Material
		want bool
	}{
		{"queen only", Material{Queens: 1}, true},
		{"rook only", Material{Rooks: 1}, true},
		{"single pawn", Material{Pawns: 1}, true},
		{"lone bishop", Material{Bishops: 1}, false},
		{"lone knight", Material{Knights: 1}, false},
		{"two knights", Material{Knights: 2}, true},
		{"bishop and knight", Material{Bishops: 1, Knights: 1}, true},
		{"bare king", Material{}, false},
	}
	for _, tc := range cases {
		if got := tc.m.CanMate(); got != tc.want {
			t.Errorf("%s: CanMate = %v, want %v", tc.name, got, tc.want)
		}
	}
}
