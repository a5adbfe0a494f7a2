package session

import (
	"context"
	"log"
	"time"

	"github.com/playstake/backend/internal/models"
)

// StartWorkers launches the background loops: disconnect forfeits, lobby
// expiry and settlement retries. They stop when ctx is cancelled.
func (co *Coordinator) StartWorkers(ctx context.Context) {
	go co.runDisconnectChecker(ctx)
	go co.runLobbyReaper(ctx)
	go co.runSettlementRetrier(ctx)
}

func (co *Coordinator) runDisconnectChecker(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	log.Println("[WORKER] Disconnect checker started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			co.SweepDisconnects(ctx)
		}
	}
}

// SweepDisconnects forfeits live matches whose absent players overran the
// grace period. One sweep per tick; exported so tests can drive it.
func (co *Coordinator) SweepDisconnects(ctx context.Context) {
	grace := time.Duration(co.cfg.DisconnectGraceSeconds) * time.Second

	co.mu.Lock()
	expired := make(map[string][]string)
	for matchID, users := range co.disconnects {
		for userID, since := range users {
			if time.Since(since) >= grace {
				expired[matchID] = append(expired[matchID], userID)
			}
		}
	}
	co.mu.Unlock()

	for matchID, gone := range expired {
		co.forfeitMatch(ctx, matchID, gone)
	}
}

func (co *Coordinator) forfeitMatch(ctx context.Context, matchID string, gone []string) {
	unlock := co.lockMatch(matchID)
	defer unlock()

	m, err := co.store.GetMatch(ctx, matchID)
	if err != nil {
		log.Printf("[WORKER] Forfeit check for %s failed: %v", matchID, err)
		co.clearDisconnects(matchID, gone)
		return
	}
	if m.Status != models.StatusLive {
		// LOBBY departures and already-finished matches carry no penalty.
		co.clearDisconnects(matchID, gone)
		return
	}

	absent := make(map[string]bool, len(gone))
	for _, u := range gone {
		absent[u] = true
	}
	seats, err := co.store.Seats(ctx, matchID)
	if err != nil {
		log.Printf("[WORKER] Failed to load seats for forfeit of %s: %v", matchID, err)
		return
	}
	winners := make([]string, 0, len(seats))
	for _, s := range seats {
		if !absent[s.UserID] {
			winners = append(winners, s.UserID)
		}
	}

	log.Printf("[WORKER] Forfeiting match %s, absent=%v", matchID, gone)
	co.finishLive(ctx, matchID, winners, m.GameState, "player_forfeited")
	co.clearDisconnects(matchID, gone)
}

func (co *Coordinator) clearDisconnects(matchID string, users []string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if tracked, ok := co.disconnects[matchID]; ok {
		for _, u := range users {
			delete(tracked, u)
		}
		if len(tracked) == 0 {
			delete(co.disconnects, matchID)
		}
	}
}

func (co *Coordinator) runLobbyReaper(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	log.Println("[WORKER] Lobby reaper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			co.ReapStaleLobbies(ctx)
		}
	}
}

// ReapStaleLobbies cancels lobbies that never filled and releases every
// reserved stake. Exported so tests can drive a single sweep.
func (co *Coordinator) ReapStaleLobbies(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(co.cfg.LobbyExpiryMinutes) * time.Minute)
	stale, err := co.store.ListStaleLobbies(ctx, cutoff)
	if err != nil {
		log.Printf("[WORKER] Stale lobby query failed: %v", err)
		return
	}

	for _, m := range stale {
		unlock := co.lockMatch(m.ID)
		if err := co.store.UpdateStatus(ctx, m.ID, models.StatusLobby, models.StatusCancelled); err != nil {
			unlock()
			continue // raced with a start or a leave; not stale anymore
		}

		seats, err := co.store.Seats(ctx, m.ID)
		if err != nil {
			log.Printf("[WORKER] Failed to load seats for expired lobby %s: %v", m.ID, err)
			unlock()
			continue
		}
		for _, s := range seats {
			if err := co.wallet.Release(ctx, s.UserID, m.ID, m.BuyIn); err != nil {
				log.Printf("[WORKER] Stake release for %s in %s failed: %v", s.UserID, m.ID, err)
			}
		}
		unlock()

		co.broadcastEvent(m.ID, map[string]interface{}{
			"type":     MsgMatchCancelled,
			"match_id": m.ID,
			"reason":   "lobby expired",
		})
		log.Printf("[WORKER] Expired lobby %s cancelled, %d stakes released", m.ID, len(seats))
	}
}

func (co *Coordinator) runSettlementRetrier(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	log.Println("[WORKER] Settlement retrier started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			co.RetrySettlements(ctx)
		}
	}
}

// RetrySettlements replays parked settlements against the wallet gateway.
// Money movements are idempotent on the gateway side, so replays are safe.
func (co *Coordinator) RetrySettlements(ctx context.Context) {
	co.mu.Lock()
	queued := co.pending
	co.pending = nil
	co.mu.Unlock()

	for _, p := range queued {
		err := co.wallet.Settle(ctx, p.matchID, p.winners, p.prizes, p.rake)
		if err != nil {
			p.attempts++
			log.Printf("[SETTLE] Retry %d for %s failed: %v", p.attempts, p.matchID, err)
			co.mu.Lock()
			co.pending = append(co.pending, p)
			co.mu.Unlock()
			continue
		}

		co.broadcastEvent(p.matchID, map[string]interface{}{
			"type":     MsgSettlementComplete,
			"match_id": p.matchID,
			"prizes":   p.prizes,
		})
		log.Printf("[SETTLE] Match %s settled on retry: %v", p.matchID, p.prizes)
	}
}
