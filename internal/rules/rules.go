package rules

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/playstake/backend/internal/models"
)

// Move rejections. These are returned to the acting connection only and
// never mutate state.
var (
	ErrNotYourTurn      = errors.New("not your turn")
	ErrPositionOccupied = errors.New("position already occupied")
	ErrInvalidPosition  = errors.New("position out of range")
	ErrNotAPlayer       = errors.New("user is not seated in this match")
	ErrMatchOver        = errors.New("match already has a result")

	// ErrNotImplemented marks a declared game type without a rule set.
	ErrNotImplemented = errors.New("game type not implemented")
)

// Result is the outcome of applying one move.
type Result struct {
	State    json.RawMessage
	Terminal bool
	// Winners is empty for a no-contest, holds every player on a draw, and
	// a single player on a decisive win.
	Winners []string
}

// Ruleset is the capability pair for one game type. Both functions are
// pure: they never touch storage and always return a fresh state document.
type Ruleset struct {
	// Setup builds the initial game-state document. The seed is fixed at
	// match creation and drives any randomized setup. Players are listed
	// in seat order.
	Setup func(seed string, players []string) (json.RawMessage, error)

	// Apply validates and applies one move by userID, returning the new
	// state. A rejected move returns a nil Result and one of the move
	// rejection errors above.
	Apply func(state json.RawMessage, userID string, move json.RawMessage) (*Result, error)
}

// registry maps game types to their rule sets. Only tic-tac-toe is
// functionally complete; the remaining declared types reject with
// ErrNotImplemented.
var registry = map[models.GameType]*Ruleset{
	models.GameTicTacToe: ticTacToeRuleset(),
}

// ForGame resolves the rule set for a game type.
func ForGame(g models.GameType) (*Ruleset, error) {
	if rs, ok := registry[g]; ok {
		return rs, nil
	}
	if g.Valid() {
		return nil, ErrNotImplemented
	}
	return nil, fmt.Errorf("unknown game type %q", g)
}
