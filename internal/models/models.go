package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

// GameType identifies the rule set a match is played under.
type GameType string

const (
	GameTicTacToe GameType = "TICTACTOE"
	GameCheckers  GameType = "CHECKERS"
	GameCardGame  GameType = "CARD_GAME"
	GamePool      GameType = "POOL"
)

// Valid reports whether g is a declared game type.
func (g GameType) Valid() bool {
	switch g {
	case GameTicTacToe, GameCheckers, GameCardGame, GamePool:
		return true
	}
	return false
}

// MatchMode distinguishes ranked head-to-head play from casual variants.
type MatchMode string

const (
	ModeRanked MatchMode = "RANKED"
	ModeCasual MatchMode = "CASUAL"
)

func (m MatchMode) Valid() bool {
	return m == ModeRanked || m == ModeCasual
}

// MatchStatus is the match lifecycle state. Transitions are monotonic:
// LOBBY -> COUNTDOWN -> LIVE -> FINISHED, with LOBBY -> CANCELLED.
type MatchStatus string

const (
	StatusLobby     MatchStatus = "LOBBY"
	StatusCountdown MatchStatus = "COUNTDOWN"
	StatusLive      MatchStatus = "LIVE"
	StatusFinished  MatchStatus = "FINISHED"
	StatusCancelled MatchStatus = "CANCELLED"
)

// MaxPlayers derives seat capacity from game type and mode.
// Ranked play is always head-to-head; casual card games seat up to four.
func MaxPlayers(g GameType, m MatchMode) int {
	if m == ModeCasual && g == GameCardGame {
		return 4
	}
	return 2
}

// Match is one staked game session between seated players.
type Match struct {
	ID             string         `db:"id" json:"id"`
	GameType       GameType       `db:"game_type" json:"game_type"`
	Mode           MatchMode      `db:"mode" json:"mode"`
	BuyIn          int64          `db:"buy_in" json:"buy_in"`
	MaxPlayers     int            `db:"max_players" json:"max_players"`
	CurrentPlayers int            `db:"current_players" json:"current_players"`
	Status         MatchStatus    `db:"status" json:"status"`
	Seed           string         `db:"seed" json:"-"`
	GameState      types.JSONText `db:"game_state" json:"game_state,omitempty"`
	CreatedBy      string         `db:"created_by" json:"created_by"`
	WinnerIDs      pq.StringArray `db:"winner_ids" json:"winner_ids,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	StartedAt      *time.Time     `db:"started_at" json:"started_at,omitempty"`
	FinishedAt     *time.Time     `db:"finished_at" json:"finished_at,omitempty"`
}

// Seat is a player's slot within a match, distinct from their connection.
// (match_id, user_id) is unique; seat_number is unique within a match.
type Seat struct {
	MatchID    string    `db:"match_id" json:"match_id"`
	UserID     string    `db:"user_id" json:"user_id"`
	SeatNumber int       `db:"seat_number" json:"seat_number"`
	Ready      bool      `db:"ready" json:"ready"`
	Connected  bool      `db:"connected" json:"connected"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// AuditLogEntry is one row of a match's append-only event trail.
// Seq is strictly increasing per match, gapless, starting at 1.
type AuditLogEntry struct {
	MatchID   string         `db:"match_id" json:"match_id"`
	Seq       int            `db:"seq" json:"seq"`
	UserID    string         `db:"user_id" json:"user_id"` // "system" for engine-originated events
	EventType string         `db:"event_type" json:"event_type"`
	Payload   types.JSONText `db:"payload" json:"payload,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// SystemActor is the audit user id for events not caused by a player.
const SystemActor = "system"
