package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/deadletter"
	gwerrors "github.com/randalmurphal/eventgateway/pkg/eventgateway/errors"
)

type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ready(c *gin.Context) {
	if !s.pipeline.Running() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) postEvents(c *gin.Context) {
	if !s.pipeline.Running() {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "pipeline not running"})
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	routingKey := c.Query("routingKey")
	if routingKey == "" {
		routingKey = c.GetHeader(RoutingKeyHeader)
	}

	res, err := s.pipeline.HandleJSON(c.Request.Context(), body, routingKey)
	if err != nil {
		var te *gwerrors.TransformError
		if errors.As(err, &te) {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error(), CorrelationID: res.CorrelationID})
			return
		}
		s.logger.Error("handle batch", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), CorrelationID: res.CorrelationID})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) store(c *gin.Context) (deadletter.Store, bool) {
	store := s.pipeline.DeadLetter()
	if store == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "dead letter store not configured"})
		return nil, false
	}
	return store, true
}

func (s *Server) listDeadLetters(c *gin.Context) {
	store, ok := s.store(c)
	if !ok {
		return
	}

	limit := defaultDeadLetterLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	entries, err := store.List(c.Request.Context(), limit)
	if err != nil {
		s.deadLetterError(c, err)
		return
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) getDeadLetter(c *gin.Context) {
	store, ok := s.store(c)
	if !ok {
		return
	}
	entry, err := store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.deadLetterError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) deleteDeadLetter(c *gin.Context) {
	store, ok := s.store(c)
	if !ok {
		return
	}
	if err := store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.deadLetterError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deadLetterError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, deadletter.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, deadletter.ErrStoreClosed):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		s.logger.Error("dead letter store", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}
