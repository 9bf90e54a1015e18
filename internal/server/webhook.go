package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/roach88/payrecon/internal/domain"
	"github.com/roach88/payrecon/internal/engine"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body, optionally
// prefixed with "sha256=".
const SignatureHeader = "X-Signature"

// webhookResponse acknowledges a recorded event.
type webhookResponse struct {
	EventID string             `json:"event_id"`
	Outcome domain.Outcome     `json:"outcome,omitempty"`
	Status  domain.OrderStatus `json:"status,omitempty"`
	Pending bool               `json:"pending,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// handleWebhook records the notification and acknowledges it before any
// processor round trip. Pending events are finished on the worker pool.
//
// The processor re-delivers on anything but 2xx, so 200 means "recorded":
// deferred retries, orphans and rejections are acknowledged. Only a failure
// to record answers 500.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if s.opts.WebhookSecret != "" && !validSignature(s.opts.WebhookSecret, body, c.GetHeader(SignatureHeader)) {
		s.logger.Warn("webhook signature rejected", "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	hint := c.Query("data.id")
	if hint == "" {
		hint = c.Query("id")
	}

	res, err := s.engine.Accept(c.Request.Context(), engine.Inbound{
		Source:    domain.SourceWebhook,
		Payload:   body,
		PaymentID: hint,
	})
	switch {
	case engine.IsMalformed(err):
		c.JSON(http.StatusBadRequest, webhookResponse{EventID: res.EventID, Outcome: res.Outcome, Error: err.Error()})
	case err != nil && res.EventID == "":
		s.logger.Error("webhook not recorded", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event not recorded"})
	case err != nil:
		// Recorded; the recovery sweep finishes it.
		s.logger.Error("webhook processing failed", "event_id", res.EventID, "error", err)
		c.JSON(http.StatusOK, webhookResponse{EventID: res.EventID})
	case res.Pending:
		s.dispatch(context.WithoutCancel(c.Request.Context()), res.EventID)
		c.JSON(http.StatusOK, webhookResponse{EventID: res.EventID, Pending: true})
	default:
		c.JSON(http.StatusOK, webhookResponse{EventID: res.EventID, Outcome: res.Outcome, Status: res.Status})
	}
}

// dispatch finishes a pending event on the worker pool. With every worker
// busy the event stays unprocessed and the recovery sweep picks it up.
func (s *Server) dispatch(ctx context.Context, eventID string) {
	started := s.work.TryGo(func() error {
		res, err := s.engine.Process(ctx, eventID)
		switch {
		case errors.Is(err, domain.ErrEventProcessed):
			s.logger.Debug("webhook event already processed", "event_id", eventID)
		case err != nil:
			s.logger.Error("webhook processing failed", "event_id", eventID, "error", err)
		default:
			s.logger.Debug("webhook processed", "event_id", eventID, "outcome", res.Outcome, "status", res.Status)
		}
		return nil
	})
	if !started {
		s.logger.Warn("webhook workers busy, leaving event to recovery", "event_id", eventID)
	}
}

// Sign returns the X-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret string, body []byte, header string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	return hmac.Equal(got, want)
}
