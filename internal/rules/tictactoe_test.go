package rules

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/playstake/backend/internal/models"
)

// setupBoard initializes a two-player game and returns the state plus the
// player ids in turn order (opener first).
func setupBoard(t *testing.T, seed string) (json.RawMessage, []string) {
	t.Helper()

	rs, err := ForGame(models.GameTicTacToe)
	if err != nil {
		t.Fatalf("ForGame(TICTACTOE) error: %v", err)
	}

	state, err := rs.Setup(seed, []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("Setup error: %v", err)
	}

	var s ticTacToeState
	if err := json.Unmarshal(state, &s); err != nil {
		t.Fatalf("Setup produced invalid state: %v", err)
	}
	if len(s.Order) != 2 || s.Turn != s.Order[0] {
		t.Fatalf("Setup turn order broken: order=%v turn=%s", s.Order, s.Turn)
	}
	return state, s.Order
}

func playMove(t *testing.T, state json.RawMessage, userID string, pos int) *Result {
	t.Helper()

	rs, _ := ForGame(models.GameTicTacToe)
	move, _ := json.Marshal(ticTacToeMove{Position: pos})
	res, err := rs.Apply(state, userID, move)
	if err != nil {
		t.Fatalf("Apply(user=%s pos=%d) error: %v", userID, pos, err)
	}
	return res
}

func TestTopRowWin(t *testing.T) {
	state, order := setupBoard(t, "seed-a")
	a, b := order[0], order[1]

	// a takes the top row across moves 0,1,2 while b plays 4,5.
	moves := []struct {
		user string
		pos  int
	}{
		{a, 0}, {b, 4}, {a, 1}, {b, 5},
	}
	for _, mv := range moves {
		res := playMove(t, state, mv.user, mv.pos)
		if res.Terminal {
			t.Fatalf("premature terminal after %s@%d", mv.user, mv.pos)
		}
		state = res.State
	}

	res := playMove(t, state, a, 2)
	if !res.Terminal {
		t.Fatal("expected terminal after completing top row")
	}
	if len(res.Winners) != 1 || res.Winners[0] != a {
		t.Fatalf("expected winners=[%s], got %v", a, res.Winners)
	}

	// No further moves: the occupied cell must be rejected without state change.
	rs, _ := ForGame(models.GameTicTacToe)
	move, _ := json.Marshal(ticTacToeMove{Position: 4})
	if _, err := rs.Apply(res.State, b, move); !errors.Is(err, ErrMatchOver) && !errors.Is(err, ErrPositionOccupied) {
		t.Fatalf("expected rejection after terminal, got %v", err)
	}
}

func TestOccupiedPositionRejectedWithoutStateChange(t *testing.T) {
	state, order := setupBoard(t, "seed-b")
	a, b := order[0], order[1]

	res := playMove(t, state, a, 4)
	state = res.State

	rs, _ := ForGame(models.GameTicTacToe)
	move, _ := json.Marshal(ticTacToeMove{Position: 4})
	_, err := rs.Apply(state, b, move)
	if !errors.Is(err, ErrPositionOccupied) {
		t.Fatalf("expected ErrPositionOccupied, got %v", err)
	}

	// State document untouched: b can still play a legal move.
	res = playMove(t, state, b, 0)
	var s ticTacToeState
	json.Unmarshal(res.State, &s)
	if s.MoveCount != 2 {
		t.Fatalf("expected move count 2 after rejection + legal move, got %d", s.MoveCount)
	}
}

func TestDrawFullBoard(t *testing.T) {
	state, order := setupBoard(t, "seed-c")
	a, b := order[0], order[1]

	// Alternating sequence with no winning line.
	seq := []int{0, 1, 2, 4, 3, 5, 7, 6, 8}
	var res *Result
	for i, pos := range seq {
		user := a
		if i%2 == 1 {
			user = b
		}
		res = playMove(t, state, user, pos)
		state = res.State
		if res.Terminal && i < len(seq)-1 {
			t.Fatalf("premature terminal at move %d (pos %d)", i+1, pos)
		}
	}

	if !res.Terminal {
		t.Fatal("expected terminal on full board")
	}
	if len(res.Winners) != 2 {
		t.Fatalf("expected both players as winners on draw, got %v", res.Winners)
	}

	rs, _ := ForGame(models.GameTicTacToe)
	move, _ := json.Marshal(ticTacToeMove{Position: 0})
	if _, err := rs.Apply(state, a, move); err == nil {
		t.Fatal("expected rejection of any move after draw")
	}
}

func TestTurnAndRangeValidation(t *testing.T) {
	state, order := setupBoard(t, "seed-d")
	a, b := order[0], order[1]

	rs, _ := ForGame(models.GameTicTacToe)

	move, _ := json.Marshal(ticTacToeMove{Position: 0})
	if _, err := rs.Apply(state, b, move); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn for %s, got %v", b, err)
	}

	bad, _ := json.Marshal(ticTacToeMove{Position: 9})
	if _, err := rs.Apply(state, a, bad); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition for pos 9, got %v", err)
	}

	neg, _ := json.Marshal(ticTacToeMove{Position: -1})
	if _, err := rs.Apply(state, a, neg); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition for pos -1, got %v", err)
	}

	if _, err := rs.Apply(state, "mallory", move); !errors.Is(err, ErrNotAPlayer) {
		t.Fatalf("expected ErrNotAPlayer for outsider, got %v", err)
	}
}

func TestSeedPicksOpenerDeterministically(t *testing.T) {
	rs, _ := ForGame(models.GameTicTacToe)

	s1, _ := rs.Setup("same-seed", []string{"alice", "bob"})
	s2, _ := rs.Setup("same-seed", []string{"alice", "bob"})
	if string(s1) != string(s2) {
		t.Fatal("same seed must produce the same initial state")
	}
}

func TestUnimplementedAndUnknownGames(t *testing.T) {
	for _, g := range []models.GameType{models.GameCheckers, models.GameCardGame, models.GamePool} {
		if _, err := ForGame(g); !errors.Is(err, ErrNotImplemented) {
			t.Errorf("ForGame(%s): expected ErrNotImplemented, got %v", g, err)
		}
	}

	if _, err := ForGame(models.GameType("BACKGAMMON")); err == nil || errors.Is(err, ErrNotImplemented) {
		t.Errorf("expected unknown-game error for BACKGAMMON, got %v", err)
	}
}
