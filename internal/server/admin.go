package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/roach88/payrecon/internal/domain"
	"github.com/roach88/payrecon/internal/engine"
	"github.com/roach88/payrecon/internal/processor"
)

// maxListLimit caps admin listings.
const maxListLimit = 500

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.AdminToken == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// handleListEvents is the administrative event view. failed=true lists
// terminal failures awaiting manual reconciliation.
func (s *Server) handleListEvents(c *gin.Context) {
	f := domain.EventFilter{
		Outcome:           domain.Outcome(c.Query("outcome")),
		PaymentID:         c.Query("payment_id"),
		ExternalReference: c.Query("external_reference"),
	}
	if f.Outcome != "" && !f.Outcome.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown outcome " + strconv.Quote(string(f.Outcome))})
		return
	}
	if v := c.Query("failed"); v != "" {
		failed, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed must be a boolean"})
			return
		}
		f.FailedOnly = failed
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and " + strconv.Itoa(maxListLimit)})
			return
		}
		f.Limit = n
	}

	events, err := s.repo.ListEvents(c.Request.Context(), f)
	if err != nil {
		s.logger.Error("list events failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list events failed"})
		return
	}

	views := make([]eventView, len(events))
	for i, e := range events {
		views[i] = viewOf(e)
	}
	c.JSON(http.StatusOK, gin.H{"events": views, "count": len(views)})
}

func (s *Server) handleGetOrder(c *gin.Context) {
	order, err := s.repo.GetOrderByExternalReference(c.Request.Context(), c.Param("ref"))
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	case err != nil:
		s.logger.Error("get order failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get order failed"})
	default:
		c.JSON(http.StatusOK, order)
	}
}

func (s *Server) handleRedrive(c *gin.Context) {
	id := c.Param("id")
	res, err := s.engine.Redrive(c.Request.Context(), id)
	switch {
	case errors.Is(err, domain.ErrEventNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
	case engine.IsMalformed(err):
		c.JSON(http.StatusUnprocessableEntity, webhookResponse{EventID: res.EventID, Outcome: res.Outcome, Error: err.Error()})
	case err != nil:
		s.logger.Error("redrive failed", "event_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "redrive failed"})
	default:
		s.logger.Info("event redriven", "event_id", id, "new_event_id", res.EventID, "outcome", res.Outcome)
		c.JSON(http.StatusOK, gin.H{
			"redriven":   id,
			"event_id":   res.EventID,
			"outcome":    res.Outcome,
			"status":     res.Status,
			"error_code": res.ErrorCode,
			"deferred":   res.Deferred,
		})
	}
}

// handleLookup is the diagnostic query: what the processor says now.
func (s *Server) handleLookup(c *gin.Context) {
	d, err := engine.Lookup(c.Request.Context(), s.fetcher, s.resolver, c.Param("id"))
	if err != nil {
		status := lookupStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("payment lookup failed", "payment_id", c.Param("id"), "error", err)
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, d)
}

func lookupStatus(err error) int {
	switch {
	case processor.IsNotFound(err):
		return http.StatusNotFound
	case processor.IsUnauthorized(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), processor.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
