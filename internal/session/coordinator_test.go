package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/playstake/backend/internal/config"
	"github.com/playstake/backend/internal/models"
	"github.com/playstake/backend/internal/store"
)

type fakeGateway struct {
	mu          sync.Mutex
	released    map[string]int64 // matchID:userID -> amount
	settleCalls []map[string]int64
	settleErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{released: make(map[string]int64)}
}

func (g *fakeGateway) Available(ctx context.Context, userID string) (int64, error) {
	return 1 << 40, nil
}

func (g *fakeGateway) Reserve(ctx context.Context, userID, matchID string, amount int64) error {
	return nil
}

func (g *fakeGateway) Release(ctx context.Context, userID, matchID string, amount int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released[matchID+":"+userID] += amount
	return nil
}

func (g *fakeGateway) Settle(ctx context.Context, matchID string, winners []string, prizes map[string]int64, rakePercent int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.settleErr != nil {
		return g.settleErr
	}
	g.settleCalls = append(g.settleCalls, prizes)
	return nil
}

func (g *fakeGateway) settleCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.settleCalls)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *Hub, *store.Memory, *fakeGateway) {
	t.Helper()
	st := store.NewMemory()
	hub := NewHub(st)
	gw := newFakeGateway()
	cfg := &config.Config{
		RakePercent:              10,
		DisconnectGraceSeconds:   0,
		LobbyExpiryMinutes:       0,
		HeartbeatIntervalSeconds: 15,
	}
	return NewCoordinator(st, gw, hub, nil, nil, cfg), hub, st, gw
}

// liveTicTacToe seeds a two-player match, registers both sockets and
// readies everyone up so the match is LIVE.
func liveTicTacToe(t *testing.T, co *Coordinator, hub *Hub, st store.Store, id string) (alice, bob *Client) {
	t.Helper()
	seedMatch(t, st, id, "alice", "bob")

	alice = testClient(id, "alice")
	bob = testClient(id, "bob")
	hub.Register(alice)
	hub.Register(bob)

	ctx := context.Background()
	co.HandleReady(ctx, alice)
	co.HandleReady(ctx, bob)

	m, err := st.GetMatch(ctx, id)
	if err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	if m.Status != models.StatusLive {
		t.Fatalf("match not live after both ready: %s", m.Status)
	}
	return alice, bob
}

// turnOf reads whose move it is from the persisted state document.
func turnOf(t *testing.T, st store.Store, id string) string {
	t.Helper()
	m, err := st.GetMatch(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	var state struct {
		Turn string `json:"turn"`
	}
	if err := json.Unmarshal(m.GameState, &state); err != nil {
		t.Fatalf("bad game state: %v", err)
	}
	return state.Turn
}

func moveAt(pos int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"position":%d}`, pos))
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReadySequenceStartsMatch(t *testing.T) {
	co, hub, st, _ := newTestCoordinator(t)
	alice, bob := liveTicTacToe(t, co, hub, st, "m1")

	recvType(t, alice, MsgMatchStarted)
	started := recvType(t, bob, MsgMatchStarted)
	if started["game_state"] == nil {
		t.Fatal("match_started carries no initial state")
	}

	entries, err := st.AuditLog(context.Background(), "m1")
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	if len(entries) != 1 || entries[0].EventType != "match_started" || entries[0].Seq != 1 {
		t.Fatalf("expected match_started at seq 1, got %+v", entries)
	}
	if entries[0].UserID != models.SystemActor {
		t.Fatalf("lifecycle events must be attributed to the system actor, got %s", entries[0].UserID)
	}
}

func TestReadyOutsideLobbyRejected(t *testing.T) {
	co, hub, st, _ := newTestCoordinator(t)
	alice, _ := liveTicTacToe(t, co, hub, st, "m2")

	co.HandleReady(context.Background(), alice)
	recvType(t, alice, MsgError)
}

func TestFullGamePlaysToSettlement(t *testing.T) {
	co, hub, st, gw := newTestCoordinator(t)
	alice, bob := liveTicTacToe(t, co, hub, st, "m3")
	byUser := map[string]*Client{"alice": alice, "bob": bob}

	ctx := context.Background()
	opener := turnOf(t, st, "m3")
	other := "alice"
	if opener == "alice" {
		other = "bob"
	}

	// Opener takes the top row across five alternating moves.
	script := []struct {
		user string
		pos  int
	}{
		{opener, 0}, {other, 4}, {opener, 1}, {other, 5}, {opener, 2},
	}
	for _, mv := range script {
		co.HandleAction(ctx, byUser[mv.user], moveAt(mv.pos))
	}

	m, _ := st.GetMatch(ctx, "m3")
	if m.Status != models.StatusFinished {
		t.Fatalf("match status = %s, want FINISHED", m.Status)
	}
	if len(m.WinnerIDs) != 1 || m.WinnerIDs[0] != opener {
		t.Fatalf("winners = %v, want [%s]", m.WinnerIDs, opener)
	}

	finished := recvType(t, bob, MsgMatchFinished)
	winners, _ := finished["winners"].([]interface{})
	if len(winners) != 1 || winners[0] != opener {
		t.Fatalf("broadcast winners = %v", winners)
	}

	// Settlement runs off the gameplay path: 2000 pot, 10% rake.
	waitUntil(t, "settlement", func() bool { return gw.settleCount() == 1 })
	if got := gw.settleCalls[0][opener]; got != 1800 {
		t.Fatalf("winner prize = %d, want 1800", got)
	}
	recvType(t, alice, MsgSettlementComplete)

	// The audit trail is gapless and ends with the settlement record.
	waitUntil(t, "settlement audit entry", func() bool {
		entries, _ := st.AuditLog(ctx, "m3")
		return len(entries) == 8
	})
	entries, _ := st.AuditLog(ctx, "m3")
	for i, e := range entries {
		if e.Seq != i+1 {
			t.Fatalf("audit gap: entry %d has seq %d", i, e.Seq)
		}
	}
	if entries[0].EventType != "match_started" ||
		entries[6].EventType != "match_finished" ||
		entries[7].EventType != "settlement_complete" {
		t.Fatalf("unexpected audit shape: %+v", entries)
	}
	for _, e := range entries[1:6] {
		if e.EventType != "game_action" {
			t.Fatalf("expected game_action, got %s at seq %d", e.EventType, e.Seq)
		}
	}
}

func TestIllegalMoveIsolatedToActor(t *testing.T) {
	co, hub, st, _ := newTestCoordinator(t)
	alice, bob := liveTicTacToe(t, co, hub, st, "m4")
	byUser := map[string]*Client{"alice": alice, "bob": bob}

	ctx := context.Background()
	onTurn := byUser[turnOf(t, st, "m4")]
	offender := alice
	if onTurn == alice {
		offender = bob
	}

	before, _ := st.GetMatch(ctx, "m4")
	countType(alice, MsgMatchStarted) // drain start traffic
	countType(bob, MsgMatchStarted)

	co.HandleAction(ctx, offender, moveAt(0))

	recvType(t, offender, MsgError)
	if n := countType(onTurn, MsgGameUpdate); n != 0 {
		t.Fatalf("non-actor saw %d updates from a rejected move", n)
	}

	after, _ := st.GetMatch(ctx, "m4")
	if string(after.GameState) != string(before.GameState) {
		t.Fatal("rejected move mutated game state")
	}
	entries, _ := st.AuditLog(ctx, "m4")
	if len(entries) != 1 {
		t.Fatalf("rejected move appended to the audit log: %+v", entries)
	}
}

func TestActionBeforeLiveRejected(t *testing.T) {
	co, hub, st, _ := newTestCoordinator(t)
	seedMatch(t, st, "m5", "alice", "bob")
	alice := testClient("m5", "alice")
	hub.Register(alice)

	co.HandleAction(context.Background(), alice, moveAt(0))
	msg := recvType(t, alice, MsgError)
	if msg["error"] != "match is not live" {
		t.Fatalf("unexpected rejection: %v", msg["error"])
	}
}

func TestChatRelayedToRoom(t *testing.T) {
	co, hub, st, _ := newTestCoordinator(t)
	seedMatch(t, st, "m6", "alice", "bob")
	alice := testClient("m6", "alice")
	bob := testClient("m6", "bob")
	hub.Register(alice)
	hub.Register(bob)

	co.HandleChat(alice, "good luck")

	for _, c := range []*Client{alice, bob} {
		msg := recvType(t, c, MsgChat)
		if msg["user_id"] != "alice" || msg["content"] != "good luck" {
			t.Fatalf("chat mangled in transit: %+v", msg)
		}
	}
}

func TestConcedeFinishesForOpponent(t *testing.T) {
	co, hub, st, gw := newTestCoordinator(t)
	alice, _ := liveTicTacToe(t, co, hub, st, "m7")

	co.HandleConcede(context.Background(), alice)

	m, _ := st.GetMatch(context.Background(), "m7")
	if m.Status != models.StatusFinished {
		t.Fatalf("status = %s, want FINISHED", m.Status)
	}
	if len(m.WinnerIDs) != 1 || m.WinnerIDs[0] != "bob" {
		t.Fatalf("winners = %v, want [bob]", m.WinnerIDs)
	}
	waitUntil(t, "settlement", func() bool { return gw.settleCount() == 1 })
}

func TestDisconnectForfeit(t *testing.T) {
	co, hub, st, _ := newTestCoordinator(t)
	_, bob := liveTicTacToe(t, co, hub, st, "m8")

	hub.Cleanup(bob)
	co.SweepDisconnects(context.Background())

	m, _ := st.GetMatch(context.Background(), "m8")
	if m.Status != models.StatusFinished {
		t.Fatalf("status = %s, want FINISHED after forfeit", m.Status)
	}
	if len(m.WinnerIDs) != 1 || m.WinnerIDs[0] != "alice" {
		t.Fatalf("winners = %v, want [alice]", m.WinnerIDs)
	}

	entries, _ := st.AuditLog(context.Background(), "m8")
	last := entries[len(entries)-1]
	if last.EventType != "player_forfeited" {
		t.Fatalf("expected player_forfeited, got %s", last.EventType)
	}
}

func TestAllPlayersAbsentForfeitRefundsStakes(t *testing.T) {
	co, hub, st, gw := newTestCoordinator(t)
	alice, bob := liveTicTacToe(t, co, hub, st, "m14")

	hub.Cleanup(alice)
	hub.Cleanup(bob)
	co.SweepDisconnects(context.Background())

	m, _ := st.GetMatch(context.Background(), "m14")
	if m.Status != models.StatusFinished {
		t.Fatalf("status = %s, want FINISHED", m.Status)
	}
	if len(m.WinnerIDs) != 0 {
		t.Fatalf("no-contest forfeit has winners: %v", m.WinnerIDs)
	}

	// Nobody won the pot, so escrow flows back instead of through settlement.
	waitUntil(t, "stake refunds", func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return gw.released["m14:alice"] == 1000 && gw.released["m14:bob"] == 1000
	})
	if gw.settleCount() != 0 {
		t.Fatalf("no-contest forfeit must not settle, got %d calls", gw.settleCount())
	}
}

func TestMatchLocksReleasedWhenIdle(t *testing.T) {
	co, hub, st, _ := newTestCoordinator(t)
	alice, _ := liveTicTacToe(t, co, hub, st, "m15")

	co.HandleAction(context.Background(), alice, moveAt(0))
	co.HandleConcede(context.Background(), alice)

	co.mu.Lock()
	held := len(co.matchLocks)
	co.mu.Unlock()
	if held != 0 {
		t.Fatalf("%d match locks retained after all handlers returned", held)
	}
}

func TestReconnectWithinGraceAvoidsForfeit(t *testing.T) {
	co, hub, st, _ := newTestCoordinator(t)
	_, bob := liveTicTacToe(t, co, hub, st, "m9")

	hub.Cleanup(bob)
	hub.Register(testClient("m9", "bob"))
	co.SweepDisconnects(context.Background())

	m, _ := st.GetMatch(context.Background(), "m9")
	if m.Status != models.StatusLive {
		t.Fatalf("status = %s, reconnect should have cleared the forfeit timer", m.Status)
	}
}

func TestLobbyDisconnectCarriesNoPenalty(t *testing.T) {
	co, hub, st, _ := newTestCoordinator(t)
	seedMatch(t, st, "m10", "alice", "bob")
	bob := testClient("m10", "bob")
	hub.Register(bob)

	hub.Cleanup(bob)
	co.SweepDisconnects(context.Background())

	m, _ := st.GetMatch(context.Background(), "m10")
	if m.Status != models.StatusLobby {
		t.Fatalf("status = %s, lobby disconnects must not end the match", m.Status)
	}
}

func TestStaleLobbyReaperReleasesStakes(t *testing.T) {
	co, _, st, gw := newTestCoordinator(t)
	seedMatch(t, st, "m11", "alice")

	co.ReapStaleLobbies(context.Background())

	m, _ := st.GetMatch(context.Background(), "m11")
	if m.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", m.Status)
	}
	if gw.released["m11:alice"] != 1000 {
		t.Fatalf("creator stake not released: %d", gw.released["m11:alice"])
	}
}

func TestSettlementRetryAfterGatewayOutage(t *testing.T) {
	co, hub, st, gw := newTestCoordinator(t)
	alice, _ := liveTicTacToe(t, co, hub, st, "m12")

	gw.mu.Lock()
	gw.settleErr = fmt.Errorf("gateway down")
	gw.mu.Unlock()

	co.HandleConcede(context.Background(), alice)
	waitUntil(t, "settlement parked", func() bool {
		co.mu.Lock()
		defer co.mu.Unlock()
		return len(co.pending) == 1
	})

	gw.mu.Lock()
	gw.settleErr = nil
	gw.mu.Unlock()

	co.RetrySettlements(context.Background())
	if gw.settleCount() != 1 {
		t.Fatalf("settlement not replayed, calls=%d", gw.settleCount())
	}
	co.mu.Lock()
	left := len(co.pending)
	co.mu.Unlock()
	if left != 0 {
		t.Fatalf("%d settlements still parked after successful retry", left)
	}
}

func TestDrawSettlesAsFullRefund(t *testing.T) {
	co, _, st, gw := newTestCoordinator(t)
	seedMatch(t, st, "m13", "alice", "bob")
	m, _ := st.GetMatch(context.Background(), "m13")

	co.settle(m, []string{"alice", "bob"}, 2)

	waitUntil(t, "settlement", func() bool { return gw.settleCount() == 1 })
	prizes := gw.settleCalls[0]
	if prizes["alice"] != 1000 || prizes["bob"] != 1000 {
		t.Fatalf("draw must refund full stakes, got %v", prizes)
	}
}
