package match

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/playstake/backend/internal/config"
	"github.com/playstake/backend/internal/models"
	"github.com/playstake/backend/internal/store"
	"github.com/playstake/backend/internal/wallet"
)

var (
	// ErrInsufficientBalance mirrors the wallet sentinel so callers can
	// treat service failures uniformly.
	ErrInsufficientBalance = wallet.ErrInsufficientBalance

	// ErrWalletReservation is a partial failure: the match row exists but
	// the stake reservation did not go through. The service attempts a
	// compensating cancellation; callers must surface the discrepancy.
	ErrWalletReservation = errors.New("stake reservation failed after match creation")

	ErrInvalidBuyIn   = errors.New("buy-in below minimum")
	ErrInvalidGame    = errors.New("unknown game type")
	ErrInvalidMode    = errors.New("unknown match mode")
	ErrMatchFull      = store.ErrMatchFull
	ErrNotJoinable    = store.ErrMatchNotJoinable
	ErrAlreadyJoined  = store.ErrAlreadyJoined
	ErrMatchNotFound  = store.ErrNotFound
)

// MatchWithSeats is a listing row: the match plus its seat list.
type MatchWithSeats struct {
	Match models.Match  `json:"match"`
	Seats []models.Seat `json:"seats"`
}

// Service owns match creation, seating and quick-match pairing. Gameplay
// belongs to the session coordinator.
type Service struct {
	store  store.Store
	wallet wallet.Gateway
	cfg    *config.Config
}

func NewService(st store.Store, w wallet.Gateway, cfg *config.Config) *Service {
	return &Service{store: st, wallet: w, cfg: cfg}
}

// Create validates the creator's available balance, persists a LOBBY match
// with the creator in seat 1, then reserves the stake.
func (s *Service) Create(ctx context.Context, game models.GameType, mode models.MatchMode, buyIn int64, creator string) (*models.Match, []models.Seat, error) {
	if !game.Valid() {
		return nil, nil, ErrInvalidGame
	}
	if !mode.Valid() {
		return nil, nil, ErrInvalidMode
	}
	if buyIn <= 0 || buyIn < s.cfg.MinBuyIn {
		return nil, nil, ErrInvalidBuyIn
	}

	if err := s.checkBalance(ctx, creator, buyIn); err != nil {
		return nil, nil, err
	}

	m := &models.Match{
		ID:             uuid.NewString(),
		GameType:       game,
		Mode:           mode,
		BuyIn:          buyIn,
		MaxPlayers:     models.MaxPlayers(game, mode),
		CurrentPlayers: 1,
		Status:         models.StatusLobby,
		Seed:           generateSeed(),
		CreatedBy:      creator,
	}
	seat := &models.Seat{MatchID: m.ID, UserID: creator, SeatNumber: 1}

	if err := s.store.CreateMatch(ctx, m, seat); err != nil {
		return nil, nil, fmt.Errorf("failed to persist match: %w", err)
	}
	log.Printf("[MATCH] Created match %s game=%s mode=%s buy_in=%d by=%s", m.ID, game, mode, buyIn, creator)

	if err := s.wallet.Reserve(ctx, creator, m.ID, buyIn); err != nil {
		// Compensating cancellation: the row is already durable, so take
		// the under-collateralized lobby out of circulation.
		if cerr := s.store.UpdateStatus(ctx, m.ID, models.StatusLobby, models.StatusCancelled); cerr != nil {
			log.Printf("[MATCH] Compensating cancel of %s failed: %v (lobby expiry will reap it)", m.ID, cerr)
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrWalletReservation, err)
	}

	seats, err := s.store.Seats(ctx, m.ID)
	if err != nil {
		return nil, nil, err
	}
	return m, seats, nil
}

// Join claims the lowest free seat and reserves the joiner's stake.
func (s *Service) Join(ctx context.Context, matchID, userID string) (*models.Seat, error) {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Status != models.StatusLobby {
		return nil, ErrNotJoinable
	}

	if err := s.checkBalance(ctx, userID, m.BuyIn); err != nil {
		return nil, err
	}

	seat, err := s.store.JoinMatch(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}

	if err := s.wallet.Reserve(ctx, userID, matchID, m.BuyIn); err != nil {
		// Give the seat back so the lobby is not blocked by an unfunded player.
		if _, lerr := s.store.LeaveMatch(ctx, matchID, userID); lerr != nil {
			log.Printf("[MATCH] Seat rollback for %s in %s failed: %v", userID, matchID, lerr)
		}
		return nil, fmt.Errorf("%w: %v", ErrWalletReservation, err)
	}

	log.Printf("[MATCH] %s joined %s at seat %d", userID, matchID, seat.SeatNumber)
	return seat, nil
}

// Leave removes a seat before start and releases the reserved stake. The
// last player out cancels the match.
func (s *Service) Leave(ctx context.Context, matchID, userID string) error {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}

	remaining, err := s.store.LeaveMatch(ctx, matchID, userID)
	if err != nil {
		return err
	}

	if err := s.wallet.Release(ctx, userID, matchID, m.BuyIn); err != nil {
		log.Printf("[MATCH] Stake release for %s in %s failed: %v", userID, matchID, err)
	}

	if remaining == 0 {
		if err := s.store.UpdateStatus(ctx, matchID, models.StatusLobby, models.StatusCancelled); err != nil {
			return fmt.Errorf("failed to cancel emptied match: %w", err)
		}
		log.Printf("[MATCH] Match %s cancelled (last player left)", matchID)
	}
	return nil
}

// QuickMatch pairs into an existing open lobby of the same shape, falling
// back to creating one. Best-effort: a race for the last seat surfaces
// ErrMatchFull to the caller, who retries.
func (s *Service) QuickMatch(ctx context.Context, game models.GameType, mode models.MatchMode, buyIn int64, userID string) (*models.Match, *models.Seat, error) {
	m, err := s.store.FindJoinableMatch(ctx, game, mode, buyIn, userID)
	if err == nil {
		seat, jerr := s.Join(ctx, m.ID, userID)
		if jerr != nil {
			return nil, nil, jerr
		}
		return m, seat, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}

	created, seats, err := s.Create(ctx, game, mode, buyIn, userID)
	if err != nil {
		return nil, nil, err
	}
	return created, &seats[0], nil
}

// List returns LOBBY and LIVE matches with their seat lists. Read-only.
func (s *Service) List(ctx context.Context, f store.ListFilter) ([]MatchWithSeats, error) {
	matches, err := s.store.ListOpenMatches(ctx, f)
	if err != nil {
		return nil, err
	}

	out := make([]MatchWithSeats, 0, len(matches))
	for _, m := range matches {
		seats, err := s.store.Seats(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, MatchWithSeats{Match: m, Seats: seats})
	}
	return out, nil
}

// checkBalance verifies available funds (balance minus locked) cover the buy-in.
func (s *Service) checkBalance(ctx context.Context, userID string, buyIn int64) error {
	available, err := s.wallet.Available(ctx, userID)
	if err != nil {
		return fmt.Errorf("balance check failed: %w", err)
	}
	if available < buyIn {
		return ErrInsufficientBalance
	}
	return nil
}

// generateSeed returns the match's fixed pseudo-random seed.
func generateSeed() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
