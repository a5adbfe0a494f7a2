package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/playstake/backend/internal/match"
	"github.com/playstake/backend/internal/models"
	"github.com/playstake/backend/internal/store"
)

type createMatchRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	GameType string `json:"game_type" binding:"required"`
	Mode     string `json:"mode" binding:"required"`
	BuyIn    int64  `json:"buy_in" binding:"required"`
}

type seatRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// CreateMatch opens a new staked lobby with the caller in seat 1
func CreateMatch(svc *match.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createMatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id, game_type, mode and buy_in required"})
			return
		}

		m, seats, err := svc.Create(c.Request.Context(),
			models.GameType(req.GameType), models.MatchMode(req.Mode), req.BuyIn, req.UserID)
		if err != nil {
			respondMatchError(c, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{"match": m, "seats": seats})
	}
}

// ListMatches returns open matches, optionally filtered by game type and status
func ListMatches(svc *match.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := store.ListFilter{
			GameType: models.GameType(c.Query("game_type")),
			Status:   models.MatchStatus(c.Query("status")),
		}

		matches, err := svc.List(c.Request.Context(), f)
		if err != nil {
			log.Printf("[API] List matches failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list matches"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"matches": matches})
	}
}

// QuickMatch seats the caller in an open lobby of the requested shape,
// creating one if none exists
func QuickMatch(svc *match.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createMatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id, game_type, mode and buy_in required"})
			return
		}

		m, seat, err := svc.QuickMatch(c.Request.Context(),
			models.GameType(req.GameType), models.MatchMode(req.Mode), req.BuyIn, req.UserID)
		if err != nil {
			respondMatchError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"match": m, "seat": seat})
	}
}

// GetMatch returns one match with its seats
func GetMatch(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		m, err := st.GetMatch(c.Request.Context(), id)
		if err != nil {
			respondMatchError(c, err)
			return
		}
		seats, err := st.Seats(c.Request.Context(), id)
		if err != nil {
			log.Printf("[API] Seats for %s failed: %v", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load seats"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"match": m, "seats": seats})
	}
}

// JoinMatch claims a seat in an open lobby
func JoinMatch(svc *match.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req seatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
			return
		}

		seat, err := svc.Join(c.Request.Context(), c.Param("id"), req.UserID)
		if err != nil {
			respondMatchError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"seat": seat})
	}
}

// LeaveMatch gives the seat back before the match starts
func LeaveMatch(svc *match.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req seatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
			return
		}

		if err := svc.Leave(c.Request.Context(), c.Param("id"), req.UserID); err != nil {
			respondMatchError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"left": true})
	}
}

// GetAuditLog returns the full ordered event trail for a match
func GetAuditLog(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := st.AuditLog(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondMatchError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"events": entries})
	}
}

// respondMatchError maps service errors onto HTTP statuses
func respondMatchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, match.ErrMatchNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
	case errors.Is(err, match.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient available balance"})
	case errors.Is(err, match.ErrMatchFull),
		errors.Is(err, match.ErrAlreadyJoined),
		errors.Is(err, match.ErrNotJoinable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, match.ErrInvalidBuyIn),
		errors.Is(err, match.ErrInvalidGame),
		errors.Is(err, match.ErrInvalidMode):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, match.ErrWalletReservation):
		c.JSON(http.StatusBadGateway, gin.H{"error": "stake reservation failed"})
	default:
		log.Printf("[API] Unhandled error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
