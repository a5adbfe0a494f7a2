package store

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/playstake/backend/internal/models"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrMatchFull        = errors.New("match is full")
	ErrAlreadyJoined    = errors.New("user already holds a seat")
	ErrMatchNotJoinable = errors.New("match is not joinable")

	// ErrStatusConflict means the match was not in the expected status; the
	// requested transition would have broken monotonicity.
	ErrStatusConflict = errors.New("match status conflict")

	// ErrSequenceConflict means a concurrent writer claimed the audit
	// sequence number first. Callers retry a bounded number of times.
	ErrSequenceConflict = errors.New("audit sequence conflict")
)

// ListFilter narrows get_matches results. Zero values mean "any".
type ListFilter struct {
	GameType models.GameType
	Status   models.MatchStatus
}

// Store is the durable source of truth for matches, seats and the audit
// trail. Implementations must make JoinMatch safe under concurrent callers
// and AppendAudit fail, not skip, on a sequence collision.
type Store interface {
	// CreateMatch persists a new match row plus the creator's seat 1.
	CreateMatch(ctx context.Context, m *models.Match, creator *models.Seat) error

	GetMatch(ctx context.Context, id string) (*models.Match, error)

	// ListOpenMatches returns LOBBY and LIVE matches matching the filter.
	ListOpenMatches(ctx context.Context, f ListFilter) ([]models.Match, error)

	// FindJoinableMatch returns one LOBBY match of the given shape with
	// free capacity where excludeUser is not seated, or ErrNotFound.
	FindJoinableMatch(ctx context.Context, g models.GameType, mode models.MatchMode, buyIn int64, excludeUser string) (*models.Match, error)

	// JoinMatch atomically claims the lowest free seat for userID,
	// incrementing current_players. Fails with ErrMatchNotJoinable,
	// ErrMatchFull or ErrAlreadyJoined.
	JoinMatch(ctx context.Context, matchID, userID string) (*models.Seat, error)

	// LeaveMatch removes the user's seat and decrements current_players,
	// returning the remaining player count. Only valid in LOBBY.
	LeaveMatch(ctx context.Context, matchID, userID string) (remaining int, err error)

	Seats(ctx context.Context, matchID string) ([]models.Seat, error)

	SetSeatReady(ctx context.Context, matchID, userID string, ready bool) error
	SetSeatConnected(ctx context.Context, matchID, userID string, connected bool) error

	// UpdateStatus transitions the match from exactly `from` to `to`,
	// stamping started_at / finished_at as appropriate. ErrStatusConflict
	// if the row is not in `from`.
	UpdateStatus(ctx context.Context, matchID string, from, to models.MatchStatus) error

	SaveGameState(ctx context.Context, matchID string, state types.JSONText) error

	// FinishMatch transitions LIVE -> FINISHED, recording winners and the
	// final state document.
	FinishMatch(ctx context.Context, matchID string, winners []string, state types.JSONText) error

	// AppendAudit writes the next audit entry for the match and returns
	// its sequence number.
	AppendAudit(ctx context.Context, matchID, userID, eventType string, payload types.JSONText) (seq int, err error)

	AuditLog(ctx context.Context, matchID string) ([]models.AuditLogEntry, error)

	// ListStaleLobbies returns LOBBY matches created before the cutoff.
	ListStaleLobbies(ctx context.Context, cutoff time.Time) ([]models.Match, error)
}
