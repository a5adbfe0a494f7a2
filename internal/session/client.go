package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"

	"github.com/playstake/backend/internal/config"
	"github.com/playstake/backend/internal/store"
)

const (
	// joinDeadline bounds how long a fresh socket may sit unauthenticated.
	joinDeadline = 10 * time.Second

	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced at the edge
	},
}

// ServeWS upgrades the connection and runs the join handshake: the first
// frame must be an authenticated join_match for a match the user holds a
// seat in. Anything else closes the socket.
func ServeWS(hub *Hub, co *Coordinator, st store.Store, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("[WS] Upgrade failed: %v", err)
			return
		}

		client, err := handshake(conn, st, cfg)
		if err != nil {
			log.Printf("[WS] Join rejected: %v", err)
			writeClose(conn, err.Error())
			conn.Close()
			return
		}

		hub.Register(client)
		sendSnapshot(c.Request.Context(), client, st)

		go client.writePump(cfg)
		go client.readPump(co, cfg)
	}
}

func handshake(conn *websocket.Conn, st store.Store, cfg *config.Config) (*Client, error) {
	conn.SetReadDeadline(time.Now().Add(joinDeadline))
	conn.SetReadLimit(maxMessageSize)

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("no join frame: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != MsgJoin {
		return nil, fmt.Errorf("first frame must be %s", MsgJoin)
	}
	var join JoinPayload
	if err := json.Unmarshal(env.Data, &join); err != nil {
		return nil, fmt.Errorf("malformed join payload")
	}
	if join.MatchID == "" || join.UserID == "" {
		return nil, fmt.Errorf("join requires match_id and user_id")
	}

	if err := verifyToken(join.Token, join.UserID, cfg.JWTSecret); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seats, err := st.Seats(ctx, join.MatchID)
	if err != nil {
		return nil, fmt.Errorf("match lookup failed: %w", err)
	}
	seated := false
	for _, s := range seats {
		if s.UserID == join.UserID {
			seated = true
			break
		}
	}
	if !seated {
		return nil, fmt.Errorf("user %s holds no seat in match %s", join.UserID, join.MatchID)
	}

	return &Client{
		conn:    conn,
		userID:  join.UserID,
		matchID: join.MatchID,
		send:    make(chan []byte, sendBufferSize),
	}, nil
}

func verifyToken(tokenStr, userID, secret string) error {
	if tokenStr == "" {
		return fmt.Errorf("missing token")
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return fmt.Errorf("invalid token claims")
	}
	if sub, _ := claims["user_id"].(string); sub != userID {
		return fmt.Errorf("token user mismatch")
	}
	return nil
}

// sendSnapshot delivers the current match document and seat list so a
// reconnecting client can resync without replaying events.
func sendSnapshot(ctx context.Context, c *Client, st store.Store) {
	m, err := st.GetMatch(ctx, c.matchID)
	if err != nil {
		log.Printf("[WS] Snapshot load for %s failed: %v", c.matchID, err)
		return
	}
	seats, err := st.Seats(ctx, c.matchID)
	if err != nil {
		log.Printf("[WS] Snapshot seats for %s failed: %v", c.matchID, err)
		return
	}
	c.sendJSON(map[string]interface{}{
		"type":  MsgMatchState,
		"match": m,
		"seats": seats,
	})
}

// readPump owns all reads. Liveness is enforced two ways: protocol-level
// pongs and application-level ping frames both push the deadline forward.
func (c *Client) readPump(co *Coordinator, cfg *config.Config) {
	defer func() {
		co.HandleDisconnect(c)
		c.conn.Close()
	}()

	wait := 2 * time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] Read error for %s: %v", c.key(), err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("malformed message")
			continue
		}

		ctx := context.Background()
		switch env.Type {
		case MsgPing:
			c.conn.SetReadDeadline(time.Now().Add(wait))
			c.sendJSON(map[string]interface{}{"type": MsgPong})
		case MsgReady:
			co.HandleReady(ctx, c)
		case MsgAction:
			var p ActionPayload
			if err := json.Unmarshal(env.Data, &p); err != nil || len(p.Action) == 0 {
				c.sendError("malformed action payload")
				continue
			}
			co.HandleAction(ctx, c, p.Action)
		case MsgChat:
			var p ChatPayload
			if err := json.Unmarshal(env.Data, &p); err != nil || p.Content == "" {
				c.sendError("malformed chat payload")
				continue
			}
			co.HandleChat(c, p.Content)
		case MsgConcede:
			co.HandleConcede(ctx, c)
		case MsgJoin:
			c.sendError("already joined")
		default:
			c.sendError("unknown message type: " + env.Type)
		}
	}
}

// writePump owns all writes, draining the send channel and keeping the
// peer alive with protocol pings.
func (c *Client) writePump(cfg *config.Config) {
	ticker := time.NewTicker(time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
}
