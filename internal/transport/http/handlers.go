package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/snehjoshi/admitq/internal/admission"
	"github.com/snehjoshi/admitq/internal/capacity"
	"github.com/snehjoshi/admitq/internal/dlq"
	"github.com/snehjoshi/admitq/internal/keys"
	"github.com/snehjoshi/admitq/internal/query"
	transportws "github.com/snehjoshi/admitq/internal/transport/websocket"
	"github.com/snehjoshi/admitq/internal/types"
)

// maxIDLen bounds every id taken from a path or header.
const maxIDLen = 128

// validID rejects ids that are empty, too long, or contain the '#' and '|'
// separators used in store keys.
func validID(s string) bool {
	if s == "" || len(s) > maxIDLen {
		return false
	}
	return keys.ValidComponent(s)
}

// Handler groups all HTTP request handlers.
type Handler struct {
	admit  Admitter
	query  *query.Service
	ledger *capacity.Ledger
	dead   *dlq.Manager
	ready  func(ctx context.Context) error
	logger *slog.Logger
	ws     *transportws.Watcher
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type capacityReq struct {
	Remaining *int64 `json:"remaining"`
}

type participationsResp struct {
	Items []query.StatusView `json:"items"`
}

type eventRequestsResp struct {
	Items []types.RequestRecord `json:"items"`
}

type deadLettersResp struct {
	Total int         `json:"total"`
	Items []dlq.Entry `json:"items"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(c *gin.Context) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ─── Participation ────────────────────────────────────────────────────────────

func (h *Handler) participate(c *gin.Context) {
	eventID := c.Param("eventId")
	requesterID, ok := h.requester(c)
	if !ok {
		return
	}
	if !validID(eventID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	adm, err := h.admit.Admit(c.Request.Context(), eventID, requesterID)
	switch {
	case errors.Is(err, admission.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.internal(c, "admit", err)
		return
	}
	c.JSON(http.StatusAccepted, adm)
}

func (h *Handler) status(c *gin.Context) {
	id := c.Param("requestId")
	if !validID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}
	v, err := h.query.Status(c.Request.Context(), id)
	if h.queryErr(c, "status", err) {
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) watch(c *gin.Context) {
	id := c.Param("requestId")
	if !validID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}
	// Resolve before upgrading so an unknown id is a plain 404.
	if _, err := h.query.Status(c.Request.Context(), id); h.queryErr(c, "watch", err) {
		return
	}
	h.ws.Serve(c.Writer, c.Request, id)
}

func (h *Handler) myParticipations(c *gin.Context) {
	requesterID, ok := h.requester(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	items, err := h.query.ForRequester(c.Request.Context(), requesterID, limit)
	if h.queryErr(c, "my participations", err) {
		return
	}
	c.JSON(http.StatusOK, participationsResp{Items: items})
}

// ─── Admin ────────────────────────────────────────────────────────────────────

func (h *Handler) adminRecord(c *gin.Context) {
	id := c.Param("requestId")
	if !validID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}
	rec, err := h.query.Record(c.Request.Context(), id)
	if h.queryErr(c, "admin record", err) {
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) adminEventRequests(c *gin.Context) {
	eventID := c.Param("eventId")
	if !validID(eventID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	items, err := h.query.ForEvent(c.Request.Context(), eventID, limit)
	if h.queryErr(c, "event requests", err) {
		return
	}
	c.JSON(http.StatusOK, eventRequestsResp{Items: items})
}

func (h *Handler) putCapacity(c *gin.Context) {
	eventID := c.Param("eventId")
	if !validID(eventID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}
	var req capacityReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Remaining == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"remaining\": <int>}"})
		return
	}

	err := h.ledger.Provision(c.Request.Context(), eventID, *req.Remaining)
	switch {
	case errors.Is(err, capacity.ErrNegativeCapacity):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.internal(c, "provision", err)
		return
	}
	h.logger.Info("capacity provisioned", "event_id", eventID, "remaining", *req.Remaining)
	h.getCapacity(c)
}

func (h *Handler) getCapacity(c *gin.Context) {
	eventID := c.Param("eventId")
	if !validID(eventID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}
	counter, err := h.query.Capacity(c.Request.Context(), eventID)
	if h.queryErr(c, "capacity", err) {
		return
	}
	c.JSON(http.StatusOK, counter)
}

func (h *Handler) listDeadLetters(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, deadLettersResp{Total: h.dead.Len(), Items: h.dead.List(limit)})
}

func (h *Handler) replayDeadLetters(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	rep, err := h.dead.Replay(c.Request.Context(), limit)
	if err != nil {
		h.internal(c, "replay dead letters", err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (h *Handler) requester(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.GetHeader(headerRequester))
	if !validID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": headerRequester + " header required"})
		return "", false
	}
	return id, true
}

// queryErr writes the response for a non-nil err and reports whether it did.
func (h *Handler) queryErr(c *gin.Context, op string, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, query.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		h.internal(c, op, err)
	}
	return true
}

func (h *Handler) internal(c *gin.Context, op string, err error) {
	h.logger.Error("request failed", "op", op, "error", err, "request_id", c.GetString(ctxRequestID))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// parseLimit reads ?limit=. Absent means the default; out-of-range values
// are clamped by the query layer.
func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return 0, false
	}
	return n, true
}
