package store

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/playstake/backend/internal/models"
)

// Memory is an in-process Store with the same semantics as SQLStore. The
// server falls back to it when no DATABASE_URL is configured (development
// only); it also backs the unit tests.
type Memory struct {
	mu      sync.Mutex
	matches map[string]*models.Match
	seats   map[string]map[string]*models.Seat // match id -> user id -> seat
	audit   map[string][]models.AuditLogEntry
}

func NewMemory() *Memory {
	return &Memory{
		matches: make(map[string]*models.Match),
		seats:   make(map[string]map[string]*models.Seat),
		audit:   make(map[string][]models.AuditLogEntry),
	}
}

func (s *Memory) CreateMatch(ctx context.Context, m *models.Match, creator *models.Seat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	cp.CreatedAt = time.Now()
	s.matches[m.ID] = &cp

	seat := *creator
	seat.CreatedAt = time.Now()
	s.seats[m.ID] = map[string]*models.Seat{creator.UserID: &seat}
	return nil
}

func (s *Memory) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Memory) ListOpenMatches(ctx context.Context, f ListFilter) ([]models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Match
	for _, m := range s.matches {
		if f.Status != "" {
			if m.Status != f.Status {
				continue
			}
		} else if m.Status != models.StatusLobby && m.Status != models.StatusLive {
			continue
		}
		if f.GameType != "" && m.GameType != f.GameType {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func (s *Memory) FindJoinableMatch(ctx context.Context, g models.GameType, mode models.MatchMode, buyIn int64, excludeUser string) (*models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.Match
	for _, m := range s.matches {
		if m.Status != models.StatusLobby || m.GameType != g || m.Mode != mode || m.BuyIn != buyIn {
			continue
		}
		if m.CurrentPlayers >= m.MaxPlayers {
			continue
		}
		if _, seated := s.seats[m.ID][excludeUser]; seated {
			continue
		}
		if best == nil || m.CreatedAt.Before(best.CreatedAt) {
			best = m
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *Memory) JoinMatch(ctx context.Context, matchID, userID string) (*models.Seat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return nil, ErrNotFound
	}
	if m.Status != models.StatusLobby {
		return nil, ErrMatchNotJoinable
	}
	// Rejection precedence matches the SQL store: capacity first, then the
	// duplicate-seat check.
	if m.CurrentPlayers >= m.MaxPlayers {
		return nil, ErrMatchFull
	}
	if _, seated := s.seats[matchID][userID]; seated {
		return nil, ErrAlreadyJoined
	}

	occupied := make(map[int]bool)
	for _, seat := range s.seats[matchID] {
		occupied[seat.SeatNumber] = true
	}
	seatNo := 1
	for occupied[seatNo] {
		seatNo++
	}

	seat := &models.Seat{MatchID: matchID, UserID: userID, SeatNumber: seatNo, CreatedAt: time.Now()}
	s.seats[matchID][userID] = seat
	m.CurrentPlayers++

	cp := *seat
	return &cp, nil
}

func (s *Memory) LeaveMatch(ctx context.Context, matchID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return 0, ErrNotFound
	}
	if m.Status != models.StatusLobby {
		return 0, ErrMatchNotJoinable
	}
	if _, seated := s.seats[matchID][userID]; !seated {
		return 0, ErrNotFound
	}

	delete(s.seats[matchID], userID)
	m.CurrentPlayers--
	return m.CurrentPlayers, nil
}

func (s *Memory) Seats(ctx context.Context, matchID string) ([]models.Seat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Seat
	for _, seat := range s.seats[matchID] {
		out = append(out, *seat)
	}
	// lowest seat number first
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].SeatNumber < out[i].SeatNumber {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *Memory) SetSeatReady(ctx context.Context, matchID, userID string, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seat, ok := s.seats[matchID][userID]
	if !ok {
		return ErrNotFound
	}
	seat.Ready = ready
	return nil
}

func (s *Memory) SetSeatConnected(ctx context.Context, matchID, userID string, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seat, ok := s.seats[matchID][userID]
	if !ok {
		return ErrNotFound
	}
	seat.Connected = connected
	return nil
}

func (s *Memory) UpdateStatus(ctx context.Context, matchID string, from, to models.MatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return ErrNotFound
	}
	if m.Status != from {
		return ErrStatusConflict
	}
	m.Status = to
	now := time.Now()
	switch to {
	case models.StatusLive:
		m.StartedAt = &now
	case models.StatusFinished, models.StatusCancelled:
		m.FinishedAt = &now
	}
	return nil
}

func (s *Memory) SaveGameState(ctx context.Context, matchID string, state types.JSONText) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return ErrNotFound
	}
	m.GameState = append(types.JSONText(nil), state...)
	return nil
}

func (s *Memory) FinishMatch(ctx context.Context, matchID string, winners []string, state types.JSONText) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return ErrNotFound
	}
	if m.Status != models.StatusLive {
		return ErrStatusConflict
	}
	m.Status = models.StatusFinished
	m.WinnerIDs = append([]string(nil), winners...)
	m.GameState = append(types.JSONText(nil), state...)
	now := time.Now()
	m.FinishedAt = &now
	return nil
}

func (s *Memory) AppendAudit(ctx context.Context, matchID, userID, eventType string, payload types.JSONText) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.matches[matchID]; !ok {
		return 0, ErrNotFound
	}
	seq := len(s.audit[matchID]) + 1
	s.audit[matchID] = append(s.audit[matchID], models.AuditLogEntry{
		MatchID:   matchID,
		Seq:       seq,
		UserID:    userID,
		EventType: eventType,
		Payload:   append(types.JSONText(nil), payload...),
		CreatedAt: time.Now(),
	})
	return seq, nil
}

func (s *Memory) AuditLog(ctx context.Context, matchID string) ([]models.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.AuditLogEntry(nil), s.audit[matchID]...), nil
}

func (s *Memory) ListStaleLobbies(ctx context.Context, cutoff time.Time) ([]models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Match
	for _, m := range s.matches {
		if m.Status == models.StatusLobby && m.CreatedAt.Before(cutoff) {
			out = append(out, *m)
		}
	}
	return out, nil
}
