package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/playstake/backend/internal/models"
	"github.com/playstake/backend/internal/store"
)

func testClient(matchID, userID string) *Client {
	return &Client{matchID: matchID, userID: userID, send: make(chan []byte, 64)}
}

// recvType reads frames until one of the wanted type arrives.
func recvType(t *testing.T, c *Client, want string) map[string]interface{} {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				t.Fatalf("send channel closed while waiting for %q", want)
			}
			var msg map[string]interface{}
			if err := json.Unmarshal(raw, &msg); err != nil {
				t.Fatalf("bad frame: %v", err)
			}
			if msg["type"] == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

// countType drains everything currently buffered and counts frames of the
// given type.
func countType(c *Client, want string) int {
	n := 0
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return n
			}
			var msg map[string]interface{}
			json.Unmarshal(raw, &msg)
			if msg["type"] == want {
				n++
			}
		default:
			return n
		}
	}
}

func seedMatch(t *testing.T, st store.Store, id string, users ...string) {
	t.Helper()
	m := &models.Match{
		ID:             id,
		GameType:       models.GameTicTacToe,
		Mode:           models.ModeRanked,
		BuyIn:          1000,
		MaxPlayers:     2,
		CurrentPlayers: 1,
		Status:         models.StatusLobby,
		Seed:           "seed",
		CreatedBy:      users[0],
	}
	seat := &models.Seat{MatchID: id, UserID: users[0], SeatNumber: 1}
	if err := st.CreateMatch(context.Background(), m, seat); err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	for _, u := range users[1:] {
		if _, err := st.JoinMatch(context.Background(), id, u); err != nil {
			t.Fatalf("JoinMatch(%s): %v", u, err)
		}
	}
}

func TestBroadcastReachesRoomExceptExcluded(t *testing.T) {
	st := store.NewMemory()
	seedMatch(t, st, "m1", "alice", "bob")
	hub := NewHub(st)

	alice := testClient("m1", "alice")
	bob := testClient("m1", "bob")
	hub.Register(alice)
	hub.Register(bob)

	// Registration announced bob to alice.
	recvType(t, alice, MsgPlayerConnected)

	hub.Broadcast("m1", map[string]interface{}{"type": "test_event"}, alice)
	recvType(t, bob, "test_event")
	if n := countType(alice, "test_event"); n != 0 {
		t.Fatalf("excluded client received %d broadcasts", n)
	}

	hub.Broadcast("m1", map[string]interface{}{"type": "test_event"}, nil)
	recvType(t, alice, "test_event")
	recvType(t, bob, "test_event")
}

func TestReconnectReplacesExistingConnection(t *testing.T) {
	st := store.NewMemory()
	seedMatch(t, st, "m2", "alice", "bob")
	hub := NewHub(st)

	first := testClient("m2", "alice")
	if hub.Register(first) {
		t.Fatal("first register reported a reconnect")
	}

	second := testClient("m2", "alice")
	if !hub.Register(second) {
		t.Fatal("replacement register did not report a reconnect")
	}

	if hub.RoomSize("m2") != 1 {
		t.Fatalf("room should hold one connection for alice, got %d", hub.RoomSize("m2"))
	}

	// The stale socket's channel is closed so its pumps exit.
	select {
	case _, ok := <-drainClosed(first):
		if ok {
			t.Fatal("old send channel still open")
		}
	case <-time.After(time.Second):
		t.Fatal("old send channel never closed")
	}

	// Broadcasts land on the replacement only.
	hub.Broadcast("m2", map[string]interface{}{"type": "test_event"}, nil)
	recvType(t, second, "test_event")
}

// drainClosed empties buffered frames and yields the closed-channel read.
func drainClosed(c *Client) <-chan []byte {
	for {
		select {
		case _, ok := <-c.send:
			if !ok {
				done := make(chan []byte)
				close(done)
				return done
			}
		default:
			return c.send
		}
	}
}

func TestSendAfterCleanupIsQuietDrop(t *testing.T) {
	st := store.NewMemory()
	seedMatch(t, st, "m4", "alice", "bob")
	hub := NewHub(st)

	alice := testClient("m4", "alice")
	hub.Register(alice)
	hub.Cleanup(alice)

	// A pump or coordinator path may still hold the client after cleanup;
	// late sends must drop, not panic on the closed channel.
	alice.sendError("not your turn")
	alice.sendJSON(map[string]interface{}{"type": MsgPong})
	hub.SendToUser("m4", "alice", map[string]interface{}{"type": MsgPong})
	hub.Broadcast("m4", map[string]interface{}{"type": "test_event"}, nil)
}

func TestBroadcastRacingCleanup(t *testing.T) {
	st := store.NewMemory()
	seedMatch(t, st, "m5", "alice", "bob")
	hub := NewHub(st)

	alice := testClient("m5", "alice")
	bob := testClient("m5", "bob")
	hub.Register(alice)
	hub.Register(bob)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			hub.Broadcast("m5", map[string]interface{}{"type": "test_event"}, nil)
			countType(alice, "test_event")
		}
	}()
	bob.sendJSON(map[string]interface{}{"type": MsgPong})
	hub.Cleanup(bob)
	bob.sendError("late error")
	<-done
}

func TestCleanupIsIdempotent(t *testing.T) {
	st := store.NewMemory()
	seedMatch(t, st, "m3", "alice", "bob")
	hub := NewHub(st)

	alice := testClient("m3", "alice")
	bob := testClient("m3", "bob")
	hub.Register(alice)
	hub.Register(bob)

	hub.Cleanup(bob)
	hub.Cleanup(bob)

	if n := countType(alice, MsgPlayerDisconnected); n != 1 {
		t.Fatalf("expected exactly one %s, got %d", MsgPlayerDisconnected, n)
	}

	seats, err := st.Seats(context.Background(), "m3")
	if err != nil {
		t.Fatalf("Seats: %v", err)
	}
	for _, s := range seats {
		if s.UserID == "bob" && s.Connected {
			t.Fatal("bob's seat still flagged connected after cleanup")
		}
	}

	if hub.RoomSize("m3") != 1 {
		t.Fatalf("room size after cleanup = %d, want 1", hub.RoomSize("m3"))
	}
}
