package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"

	"github.com/playstake/backend/internal/models"
)

const pqUniqueViolation = "23505"

// SQLStore is the PostgreSQL-backed Store.
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) CreateMatch(ctx context.Context, m *models.Match, creator *models.Seat) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO matches (id, game_type, mode, buy_in, max_players, current_players, status, seed, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, m.ID, m.GameType, m.Mode, m.BuyIn, m.MaxPlayers, m.CurrentPlayers, m.Status, m.Seed, m.CreatedBy)
	if err != nil {
		return fmt.Errorf("failed to insert match: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO match_seats (match_id, user_id, seat_number, created_at)
		VALUES ($1, $2, $3, NOW())
	`, creator.MatchID, creator.UserID, creator.SeatNumber)
	if err != nil {
		return fmt.Errorf("failed to insert creator seat: %w", err)
	}

	return tx.Commit()
}

func (s *SQLStore) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	var m models.Match
	err := s.db.GetContext(ctx, &m, `SELECT * FROM matches WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLStore) ListOpenMatches(ctx context.Context, f ListFilter) ([]models.Match, error) {
	query := `SELECT * FROM matches WHERE status IN ('LOBBY','LIVE')`
	args := []interface{}{}
	if f.Status != "" {
		query = `SELECT * FROM matches WHERE status=$1`
		args = append(args, f.Status)
	}
	if f.GameType != "" {
		query += fmt.Sprintf(` AND game_type=$%d`, len(args)+1)
		args = append(args, f.GameType)
	}
	query += ` ORDER BY created_at DESC`

	var out []models.Match
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) FindJoinableMatch(ctx context.Context, g models.GameType, mode models.MatchMode, buyIn int64, excludeUser string) (*models.Match, error) {
	var m models.Match
	err := s.db.GetContext(ctx, &m, `
		SELECT * FROM matches
		WHERE status='LOBBY' AND game_type=$1 AND mode=$2 AND buy_in=$3
		  AND current_players < max_players
		  AND NOT EXISTS (SELECT 1 FROM match_seats WHERE match_id=matches.id AND user_id=$4)
		ORDER BY created_at
		LIMIT 1
	`, g, mode, buyIn, excludeUser)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// JoinMatch claims a seat under a row lock on the match so concurrent
// joiners serialize; the loser of the last seat sees ErrMatchFull.
func (s *SQLStore) JoinMatch(ctx context.Context, matchID, userID string) (*models.Seat, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var m models.Match
	err = tx.GetContext(ctx, &m, `SELECT * FROM matches WHERE id=$1 FOR UPDATE`, matchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if m.Status != models.StatusLobby {
		return nil, ErrMatchNotJoinable
	}
	if m.CurrentPlayers >= m.MaxPlayers {
		return nil, ErrMatchFull
	}

	var taken []int
	if err := tx.SelectContext(ctx, &taken, `SELECT seat_number FROM match_seats WHERE match_id=$1 ORDER BY seat_number`, matchID); err != nil {
		return nil, err
	}
	occupied := make(map[int]bool, len(taken))
	for _, n := range taken {
		occupied[n] = true
	}
	seatNo := 1
	for occupied[seatNo] {
		seatNo++
	}

	seat := &models.Seat{MatchID: matchID, UserID: userID, SeatNumber: seatNo, CreatedAt: time.Now()}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO match_seats (match_id, user_id, seat_number, created_at) VALUES ($1, $2, $3, NOW())
	`, matchID, userID, seatNo)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return nil, ErrAlreadyJoined
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE matches SET current_players = current_players + 1 WHERE id=$1`, matchID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return seat, nil
}

func (s *SQLStore) LeaveMatch(ctx context.Context, matchID, userID string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var m models.Match
	err = tx.GetContext(ctx, &m, `SELECT * FROM matches WHERE id=$1 FOR UPDATE`, matchID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	if m.Status != models.StatusLobby {
		return 0, ErrMatchNotJoinable
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM match_seats WHERE match_id=$1 AND user_id=$2`, matchID, userID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}

	remaining := m.CurrentPlayers - 1
	if _, err := tx.ExecContext(ctx, `UPDATE matches SET current_players = current_players - 1 WHERE id=$1`, matchID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return remaining, nil
}

func (s *SQLStore) Seats(ctx context.Context, matchID string) ([]models.Seat, error) {
	var seats []models.Seat
	if err := s.db.SelectContext(ctx, &seats, `SELECT * FROM match_seats WHERE match_id=$1 ORDER BY seat_number`, matchID); err != nil {
		return nil, err
	}
	return seats, nil
}

func (s *SQLStore) SetSeatReady(ctx context.Context, matchID, userID string, ready bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE match_seats SET ready=$1 WHERE match_id=$2 AND user_id=$3`, ready, matchID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) SetSeatConnected(ctx context.Context, matchID, userID string, connected bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE match_seats SET connected=$1 WHERE match_id=$2 AND user_id=$3`, connected, matchID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, matchID string, from, to models.MatchStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE matches SET status=$1,
			started_at  = CASE WHEN $1 = 'LIVE' THEN NOW() ELSE started_at END,
			finished_at = CASE WHEN $1 IN ('FINISHED','CANCELLED') THEN NOW() ELSE finished_at END
		WHERE id=$2 AND status=$3
	`, to, matchID, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := s.GetMatch(ctx, matchID); gerr != nil {
			return gerr
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *SQLStore) SaveGameState(ctx context.Context, matchID string, state types.JSONText) error {
	res, err := s.db.ExecContext(ctx, `UPDATE matches SET game_state=$1 WHERE id=$2`, state, matchID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) FinishMatch(ctx context.Context, matchID string, winners []string, state types.JSONText) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE matches SET status='FINISHED', winner_ids=$1, game_state=$2, finished_at=NOW()
		WHERE id=$3 AND status='LIVE'
	`, pq.StringArray(winners), state, matchID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := s.GetMatch(ctx, matchID); gerr != nil {
			return gerr
		}
		return ErrStatusConflict
	}
	return nil
}

// AppendAudit computes the next sequence number inline; the primary key on
// (match_id, seq) turns a concurrent claim into ErrSequenceConflict instead
// of a silent gap or duplicate.
func (s *SQLStore) AppendAudit(ctx context.Context, matchID, userID, eventType string, payload types.JSONText) (int, error) {
	var seq int
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO match_audit_log (match_id, seq, user_id, event_type, payload, created_at)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM match_audit_log WHERE match_id=$1), $2, $3, $4, NOW())
		RETURNING seq
	`, matchID, userID, eventType, payload).Scan(&seq)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return 0, ErrSequenceConflict
		}
		return 0, err
	}
	return seq, nil
}

func (s *SQLStore) AuditLog(ctx context.Context, matchID string) ([]models.AuditLogEntry, error) {
	var entries []models.AuditLogEntry
	if err := s.db.SelectContext(ctx, &entries, `SELECT * FROM match_audit_log WHERE match_id=$1 ORDER BY seq`, matchID); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *SQLStore) ListStaleLobbies(ctx context.Context, cutoff time.Time) ([]models.Match, error) {
	var out []models.Match
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM matches WHERE status='LOBBY' AND created_at < $1`, cutoff); err != nil {
		return nil, err
	}
	return out, nil
}
