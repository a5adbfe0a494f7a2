package rules

import (
	"encoding/json"
	"fmt"
)

// Tic-tac-toe: 3x3 board, positions 0-8, two players with alternating
// turns. The seed decides which player opens with X.

const boardSize = 9

var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, // rows
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8}, // columns
	{0, 4, 8}, {2, 4, 6}, // diagonals
}

type ticTacToeState struct {
	Board     [boardSize]string `json:"board"`
	Marks     map[string]string `json:"marks"` // user id -> "X" / "O"
	Order     []string          `json:"order"` // turn order, Order[0] opens
	Turn      string            `json:"turn"`  // user id to act next
	MoveCount int               `json:"move_count"`
	Over      bool              `json:"over"`
}

type ticTacToeMove struct {
	Position int `json:"position"`
}

func ticTacToeRuleset() *Ruleset {
	return &Ruleset{
		Setup: ticTacToeSetup,
		Apply: ticTacToeApply,
	}
}

func ticTacToeSetup(seed string, players []string) (json.RawMessage, error) {
	if len(players) != 2 {
		return nil, fmt.Errorf("tic-tac-toe requires exactly 2 players, got %d", len(players))
	}

	// Seed picks the opener so neither seat always goes first.
	var sum int
	for _, b := range []byte(seed) {
		sum += int(b)
	}
	first, second := players[0], players[1]
	if sum%2 == 1 {
		first, second = second, first
	}

	state := ticTacToeState{
		Marks: map[string]string{first: "X", second: "O"},
		Order: []string{first, second},
		Turn:  first,
	}
	return json.Marshal(state)
}

func ticTacToeApply(raw json.RawMessage, userID string, move json.RawMessage) (*Result, error) {
	var state ticTacToeState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("corrupt game state: %w", err)
	}

	mark, seated := state.Marks[userID]
	if !seated {
		return nil, ErrNotAPlayer
	}

	var m ticTacToeMove
	if err := json.Unmarshal(move, &m); err != nil {
		return nil, ErrInvalidPosition
	}
	if m.Position < 0 || m.Position >= boardSize {
		return nil, ErrInvalidPosition
	}
	// Occupied beats game-over so a late replay of a resolved cell reports
	// the cell, not the match, as the problem.
	if state.Board[m.Position] != "" {
		return nil, ErrPositionOccupied
	}
	if state.Over {
		return nil, ErrMatchOver
	}
	if state.Turn != userID {
		return nil, ErrNotYourTurn
	}

	state.Board[m.Position] = mark
	state.MoveCount++

	res := &Result{}
	switch {
	case hasLine(state.Board, mark):
		state.Over = true
		res.Terminal = true
		res.Winners = []string{userID}
	case state.MoveCount == boardSize:
		// Full board, no line: draw, both players win.
		state.Over = true
		res.Terminal = true
		res.Winners = append([]string{}, state.Order...)
	default:
		state.Turn = opponentOf(state.Order, userID)
	}

	out, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	res.State = out
	return res, nil
}

func hasLine(board [boardSize]string, mark string) bool {
	for _, line := range winLines {
		if board[line[0]] == mark && board[line[1]] == mark && board[line[2]] == mark {
			return true
		}
	}
	return false
}

func opponentOf(order []string, userID string) string {
	if order[0] == userID {
		return order[1]
	}
	return order[0]
}
