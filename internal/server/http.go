package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/utat-ss/test-software/internal/exchange"
	"github.com/utat-ss/test-software/internal/protocol"
)

const maxHistoryLimit = 1000

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)

	api := router.Group("/api/v1")
	api.Use(s.authMiddleware())
	{
		api.GET("/stats", s.handleStats)
		api.POST("/commands", s.handleCommand)
		api.POST("/commands/reset-id", s.handleResetID)
		api.PUT("/password", s.handleSetPassword)
		api.GET("/exchanges", s.handleListExchanges)
		api.GET("/exchanges/export", s.handleExportExchanges)
	}

	ws := router.Group("/ws")
	ws.Use(s.authMiddleware())
	ws.GET("/exchanges", s.handleWS)

	return router
}

// statusForOutcome maps an exchange outcome onto an HTTP status
func statusForOutcome(outcome string) int {
	switch outcome {
	case exchange.OutcomeSuccess:
		return http.StatusOK
	case exchange.OutcomeRejected:
		return http.StatusUnprocessableEntity
	case exchange.OutcomeExhausted, exchange.OutcomeNoResponse:
		return http.StatusGatewayTimeout
	case exchange.OutcomeCorrupt:
		return http.StatusBadGateway
	case exchange.OutcomePrecondition:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// statusForError maps errors returned before an exchange ran
func statusForError(err error) int {
	switch {
	case errors.Is(err, protocol.ErrPrecondition):
		return http.StatusBadRequest
	case errors.Is(err, exchange.ErrEngineClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"station_id": s.config.StationID,
		"transport":  s.config.Transport.Kind,
		"framing":    s.config.Link.Framing,
		"clients":    s.hub.ClientCount(),
		"time":       time.Now().Unix(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.Stats(c.Request.Context())
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data": stats,
		"loss": stats.Loss.String(),
	})
}

func (s *Server) handleCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if operator := operatorFromContext(c); operator != "" {
		log.Printf("[Server] %s requested %s", operator, req.Opcode)
	}

	rec, err := s.Execute(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(statusForOutcome(rec.Outcome), gin.H{"data": rec})
}

func (s *Server) handleResetID(c *gin.Context) {
	if err := s.ResetCommandID(c.Request.Context()); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "command ID reset", "command_id": 1})
}

func (s *Server) handleSetPassword(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.SetPassword(c.Request.Context(), req.Password); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "password updated"})
}

func (s *Server) handleListExchanges(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is not configured"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records, err := s.history.Recent(c.Request.Context(), limit, c.Query("outcome"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":  records,
		"total": len(records),
	})
}
