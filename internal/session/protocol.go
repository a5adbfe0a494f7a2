package session

import "encoding/json"

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client -> server message types.
const (
	MsgJoin    = "join_match"
	MsgReady   = "ready"
	MsgAction  = "game_action"
	MsgChat    = "chat_message"
	MsgConcede = "concede"
	MsgPing    = "ping"
)

// Server -> client message types.
const (
	MsgMatchState         = "match_state"
	MsgMatchStarted       = "match_started"
	MsgGameUpdate         = "game_update"
	MsgMatchFinished      = "match_finished"
	MsgMatchCancelled     = "match_cancelled"
	MsgPlayerConnected    = "player_connected"
	MsgPlayerDisconnected = "player_disconnected"
	MsgPlayerReady        = "player_ready"
	MsgSettlementComplete = "settlement_complete"
	MsgPong               = "pong"
	MsgError              = "error"
)

type JoinPayload struct {
	MatchID string `json:"match_id"`
	UserID  string `json:"user_id"`
	Token   string `json:"token"`
}

type ActionPayload struct {
	Action json.RawMessage `json:"action"`
}

type ChatPayload struct {
	Content string `json:"content"`
}
