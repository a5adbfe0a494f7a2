package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/redis/go-redis/v9"

	"github.com/playstake/backend/internal/config"
	"github.com/playstake/backend/internal/models"
	"github.com/playstake/backend/internal/rules"
	"github.com/playstake/backend/internal/store"
	"github.com/playstake/backend/internal/wallet"
)

// auditRetries bounds retries after a lost audit-sequence race.
const auditRetries = 3

type pendingSettlement struct {
	matchID  string
	winners  []string
	prizes   map[string]int64
	rake     int
	attempts int
}

// Coordinator serializes all gameplay mutations for a match and drives the
// full lifecycle: ready-up, countdown, live play, finish and settlement.
// One instance per process; per-match mutexes keep matches independent.
type Coordinator struct {
	store  store.Store
	wallet wallet.Gateway
	hub    *Hub
	bridge *EventBridge  // nil without Redis
	rdb    *redis.Client // nil without Redis; hot state cache only
	cfg    *config.Config

	mu          sync.Mutex
	matchLocks  map[string]*matchLock
	disconnects map[string]map[string]time.Time // match id -> user id -> when
	pending     []pendingSettlement
}

// matchLock is a reference-counted mutex so map entries disappear once the
// last holder releases, instead of accumulating per match forever.
type matchLock struct {
	sync.Mutex
	refs int
}

func NewCoordinator(st store.Store, w wallet.Gateway, hub *Hub, bridge *EventBridge, rdb *redis.Client, cfg *config.Config) *Coordinator {
	co := &Coordinator{
		store:       st,
		wallet:      w,
		hub:         hub,
		bridge:      bridge,
		rdb:         rdb,
		cfg:         cfg,
		matchLocks:  make(map[string]*matchLock),
		disconnects: make(map[string]map[string]time.Time),
	}
	hub.OnConnect = co.noteConnect
	hub.OnDisconnect = co.noteDisconnect
	return co
}

// lockMatch serializes gameplay for one match without coupling matches to
// each other. The returned func releases the lock and drops the map entry
// once no caller holds or awaits it.
func (co *Coordinator) lockMatch(matchID string) func() {
	co.mu.Lock()
	l, ok := co.matchLocks[matchID]
	if !ok {
		l = &matchLock{}
		co.matchLocks[matchID] = l
	}
	l.refs++
	co.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		co.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(co.matchLocks, matchID)
		}
		co.mu.Unlock()
	}
}

func (co *Coordinator) noteConnect(matchID, userID string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if users, ok := co.disconnects[matchID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(co.disconnects, matchID)
		}
	}
}

func (co *Coordinator) noteDisconnect(matchID, userID string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if _, ok := co.disconnects[matchID]; !ok {
		co.disconnects[matchID] = make(map[string]time.Time)
	}
	co.disconnects[matchID][userID] = time.Now()
}

// HandleReady marks the seat ready. When the lobby is full and everyone is
// ready it runs the start sequence: COUNTDOWN, rules setup, LIVE.
func (co *Coordinator) HandleReady(ctx context.Context, c *Client) {
	unlock := co.lockMatch(c.matchID)
	defer unlock()

	m, err := co.store.GetMatch(ctx, c.matchID)
	if err != nil {
		c.sendError("match not found")
		return
	}
	if m.Status != models.StatusLobby {
		c.sendError("match is not in lobby")
		return
	}

	if err := co.store.SetSeatReady(ctx, c.matchID, c.userID, true); err != nil {
		log.Printf("[MATCH] Failed to mark %s ready in %s: %v", c.userID, c.matchID, err)
		c.sendError("failed to mark ready")
		return
	}

	co.broadcastEvent(c.matchID, map[string]interface{}{
		"type":    MsgPlayerReady,
		"user_id": c.userID,
	})

	seats, err := co.store.Seats(ctx, c.matchID)
	if err != nil {
		log.Printf("[MATCH] Failed to load seats for %s: %v", c.matchID, err)
		return
	}
	if len(seats) < m.MaxPlayers {
		return
	}
	for _, s := range seats {
		if !s.Ready {
			return
		}
	}

	co.startMatch(ctx, m, seats)
}

// startMatch runs the start sequence under the match lock. Status moves
// through COUNTDOWN so a crash mid-setup leaves a state the lobby reaper
// can identify rather than a half-live match.
func (co *Coordinator) startMatch(ctx context.Context, m *models.Match, seats []models.Seat) {
	rs, err := rules.ForGame(m.GameType)
	if err != nil {
		log.Printf("[MATCH] Cannot start %s: %v", m.ID, err)
		co.broadcastEvent(m.ID, map[string]interface{}{
			"type":  MsgError,
			"error": err.Error(),
		})
		return
	}

	players := make([]string, len(seats))
	for i, s := range seats {
		players[i] = s.UserID
	}

	if err := co.store.UpdateStatus(ctx, m.ID, models.StatusLobby, models.StatusCountdown); err != nil {
		log.Printf("[MATCH] LOBBY->COUNTDOWN for %s failed: %v", m.ID, err)
		return
	}

	state, err := rs.Setup(m.Seed, players)
	if err != nil {
		log.Printf("[MATCH] Rules setup for %s failed: %v", m.ID, err)
		return
	}
	if err := co.store.SaveGameState(ctx, m.ID, types.JSONText(state)); err != nil {
		log.Printf("[MATCH] Failed to save initial state for %s: %v", m.ID, err)
		return
	}

	if err := co.store.UpdateStatus(ctx, m.ID, models.StatusCountdown, models.StatusLive); err != nil {
		log.Printf("[MATCH] COUNTDOWN->LIVE for %s failed: %v", m.ID, err)
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{"players": players})
	co.appendAudit(ctx, m.ID, models.SystemActor, "match_started", payload)
	co.cacheState(ctx, m.ID, state)

	co.broadcastEvent(m.ID, map[string]interface{}{
		"type":       MsgMatchStarted,
		"match_id":   m.ID,
		"players":    players,
		"game_state": json.RawMessage(state),
	})
	log.Printf("[MATCH] Match %s is live with %d players", m.ID, len(players))
}

// HandleAction applies one move. Rejections go back to the acting
// connection only; accepted moves persist state, append the audit entry
// and broadcast the update.
func (co *Coordinator) HandleAction(ctx context.Context, c *Client, action json.RawMessage) {
	unlock := co.lockMatch(c.matchID)
	defer unlock()

	m, err := co.store.GetMatch(ctx, c.matchID)
	if err != nil {
		c.sendError("match not found")
		return
	}
	if m.Status != models.StatusLive {
		c.sendError("match is not live")
		return
	}

	rs, err := rules.ForGame(m.GameType)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	res, err := rs.Apply(json.RawMessage(m.GameState), c.userID, action)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	if err := co.store.SaveGameState(ctx, c.matchID, types.JSONText(res.State)); err != nil {
		log.Printf("[MATCH] Failed to save state for %s: %v", c.matchID, err)
		c.sendError("failed to persist move")
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{"action": action})
	co.appendAudit(ctx, c.matchID, c.userID, "game_action", payload)
	co.cacheState(ctx, c.matchID, res.State)

	co.broadcastEvent(c.matchID, map[string]interface{}{
		"type":       MsgGameUpdate,
		"match_id":   c.matchID,
		"user_id":    c.userID,
		"action":     action,
		"game_state": json.RawMessage(res.State),
	})

	if res.Terminal {
		co.finishLive(ctx, c.matchID, res.Winners, types.JSONText(res.State), "match_finished")
	}
}

// HandleChat relays a chat line to the whole room. Chat is ephemeral: it
// is never persisted and never audited.
func (co *Coordinator) HandleChat(c *Client, content string) {
	co.broadcastEvent(c.matchID, map[string]interface{}{
		"type":     MsgChat,
		"match_id": c.matchID,
		"user_id":  c.userID,
		"content":  content,
	})
}

// HandleConcede ends a live match in favor of the remaining players.
func (co *Coordinator) HandleConcede(ctx context.Context, c *Client) {
	unlock := co.lockMatch(c.matchID)
	defer unlock()

	m, err := co.store.GetMatch(ctx, c.matchID)
	if err != nil {
		c.sendError("match not found")
		return
	}
	if m.Status != models.StatusLive {
		c.sendError("match is not live")
		return
	}

	winners, err := co.otherPlayers(ctx, c.matchID, c.userID)
	if err != nil {
		log.Printf("[MATCH] Failed to resolve concede winners for %s: %v", c.matchID, err)
		return
	}
	log.Printf("[MATCH] %s conceded match %s", c.userID, c.matchID)
	co.finishLive(ctx, c.matchID, winners, m.GameState, "player_conceded")
}

// HandleDisconnect tears the connection down; the forfeit checker decides
// later whether the absence costs the player the match.
func (co *Coordinator) HandleDisconnect(c *Client) {
	co.hub.Cleanup(c)
}

// finishLive runs the common finish path under the match lock: persist the
// result, audit it, announce it and hand off to settlement.
func (co *Coordinator) finishLive(ctx context.Context, matchID string, winners []string, state types.JSONText, eventType string) {
	seats, err := co.store.Seats(ctx, matchID)
	if err != nil {
		log.Printf("[MATCH] Failed to load seats for finish of %s: %v", matchID, err)
		return
	}

	if err := co.store.FinishMatch(ctx, matchID, winners, state); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return // already finished by a concurrent path
		}
		log.Printf("[MATCH] Failed to finish %s: %v", matchID, err)
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{"winners": winners})
	co.appendAudit(ctx, matchID, models.SystemActor, eventType, payload)

	co.broadcastEvent(matchID, map[string]interface{}{
		"type":       MsgMatchFinished,
		"match_id":   matchID,
		"winners":    winners,
		"game_state": json.RawMessage(state),
	})
	log.Printf("[MATCH] Match %s finished, winners=%v", matchID, winners)

	m, err := co.store.GetMatch(ctx, matchID)
	if err != nil {
		log.Printf("[SETTLE] Cannot load %s for settlement: %v", matchID, err)
		return
	}
	if len(winners) == 0 {
		// No-contest: nobody earned the pot, so escrow goes back instead
		// of through settlement.
		go co.refund(m, seats)
		return
	}
	go co.settle(m, winners, len(seats))
}

// refund returns every seat's reserved stake on a no-contest finish.
func (co *Coordinator) refund(m *models.Match, seats []models.Seat) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, s := range seats {
		if err := co.wallet.Release(ctx, s.UserID, m.ID, m.BuyIn); err != nil {
			log.Printf("[SETTLE] No-contest release for %s in %s failed: %v", s.UserID, m.ID, err)
		}
	}
	log.Printf("[SETTLE] Match %s ended no-contest, %d stakes released", m.ID, len(seats))
}

// settle moves the escrowed pot. A draw refunds every stake with no rake;
// a decisive result splits the raked pot across the winners. Failures are
// parked for the retry worker, never dropped.
func (co *Coordinator) settle(m *models.Match, winners []string, numSeats int) {
	if len(winners) == 0 {
		log.Printf("[SETTLE] Match %s finished with no winners, nothing to settle", m.ID)
		return
	}

	rake := co.cfg.RakePercent
	prizes := make(map[string]int64, len(winners))
	if len(winners) == numSeats {
		// Draw: full refund, the house takes nothing.
		rake = 0
		for _, w := range winners {
			prizes[w] = m.BuyIn
		}
	} else {
		pot := m.BuyIn * int64(numSeats)
		net := pot * int64(100-rake) / 100
		per := net / int64(len(winners))
		for _, w := range winners {
			prizes[w] = per
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := co.wallet.Settle(ctx, m.ID, winners, prizes, rake); err != nil {
		log.Printf("[SETTLE] Settlement for %s failed, queueing retry: %v", m.ID, err)
		co.mu.Lock()
		co.pending = append(co.pending, pendingSettlement{
			matchID: m.ID, winners: winners, prizes: prizes, rake: rake,
		})
		co.mu.Unlock()
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{"prizes": prizes, "rake_percent": rake})
	co.appendAudit(context.Background(), m.ID, models.SystemActor, "settlement_complete", payload)

	co.broadcastEvent(m.ID, map[string]interface{}{
		"type":     MsgSettlementComplete,
		"match_id": m.ID,
		"prizes":   prizes,
	})
	log.Printf("[SETTLE] Match %s settled: %v (rake %d%%)", m.ID, prizes, rake)
}

// appendAudit writes one audit entry, retrying a lost sequence race a few
// times before giving up loudly.
func (co *Coordinator) appendAudit(ctx context.Context, matchID, userID, eventType string, payload types.JSONText) {
	for attempt := 0; attempt < auditRetries; attempt++ {
		if _, err := co.store.AppendAudit(ctx, matchID, userID, eventType, payload); err == nil {
			return
		} else if !errors.Is(err, store.ErrSequenceConflict) {
			log.Printf("[AUDIT] Append %s for %s failed: %v", eventType, matchID, err)
			return
		}
	}
	log.Printf("[AUDIT] Append %s for %s gave up after %d sequence conflicts", eventType, matchID, auditRetries)
}

// broadcastEvent routes through the Redis bridge when available so other
// instances' rooms see the event, falling back to the local hub.
func (co *Coordinator) broadcastEvent(matchID string, event map[string]interface{}) {
	if co.bridge != nil {
		if err := co.bridge.Publish(matchID, event); err == nil {
			return
		}
		log.Printf("[EVENTS] Publish for %s failed, delivering locally", matchID)
	}
	co.hub.Broadcast(matchID, event, nil)
}

// cacheState mirrors the latest state document into Redis for cheap reads.
// The database row stays authoritative.
func (co *Coordinator) cacheState(ctx context.Context, matchID string, state json.RawMessage) {
	if co.rdb == nil {
		return
	}
	if err := co.rdb.SetEx(ctx, "match:"+matchID+":state", string(state), time.Hour).Err(); err != nil {
		log.Printf("[REDIS] Failed to cache state for %s: %v", matchID, err)
	}
}

func (co *Coordinator) otherPlayers(ctx context.Context, matchID, exclude string) ([]string, error) {
	seats, err := co.store.Seats(ctx, matchID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seats))
	for _, s := range seats {
		if s.UserID != exclude {
			out = append(out, s.UserID)
		}
	}
	return out, nil
}
