package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/playstake/backend/internal/config"
	"github.com/playstake/backend/internal/session"
	"github.com/playstake/backend/internal/store"
)

// HandleWebSocket upgrades to the realtime match session. The join
// handshake, including token verification, happens on the socket itself.
func HandleWebSocket(hub *session.Hub, co *session.Coordinator, st store.Store, cfg *config.Config) gin.HandlerFunc {
	return session.ServeWS(hub, co, st, cfg)
}
