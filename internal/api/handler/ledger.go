package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/custody"
	"github.com/jmerrifield20/custodyledger/internal/ledger"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// LedgerHandler exposes the case ledger and its artifacts.
type LedgerHandler struct {
	svc    *custody.Service
	tokens *TokenIssuer
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler. A nil tokens disables
// authentication on write routes.
func NewLedgerHandler(svc *custody.Service, tokens *TokenIssuer, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/events", h.ListEvents)
		l.GET("/events/:id", h.GetEvent)
		l.POST("/events", RequireScope(h.tokens, ScopeLedgerWrite), h.AppendEvent)
	}
	a := rg.Group("/artifacts")
	{
		a.GET("", h.Manifest)
		a.POST("", RequireScope(h.tokens, ScopeLedgerWrite), h.Ingest)
	}
}

// Overview handles GET /ledger.
func (h *LedgerHandler) Overview(c *gin.Context) {
	l := h.svc.Ledger()
	last := l.Last()
	c.JSON(http.StatusOK, gin.H{
		"case":      l.Case(),
		"events":    l.Len(),
		"head":      last.CurrentHash,
		"head_id":   last.ID,
		"head_time": last.Timestamp,
	})
}

// Verify handles GET /ledger/verify. An invalid chain is still a 200; the
// body says where it diverges.
func (h *LedgerHandler) Verify(c *gin.Context) {
	res := h.svc.Verify()
	if !res.Valid {
		h.logger.Warn("ledger integrity check failed", zap.Error(res.Err()))
	}
	c.JSON(http.StatusOK, res)
}

// ListEvents handles GET /ledger/events?from=&limit=.
func (h *LedgerHandler) ListEvents(c *gin.Context) {
	from, err := strconv.ParseInt(c.DefaultQuery("from", "1"), 10, 64)
	if err != nil || from < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a positive integer"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	limit = min(limit, maxPageSize)

	events := h.svc.Ledger().Range(from, limit)
	resp := gin.H{"events": events, "count": len(events)}
	if n := len(events); n == limit {
		next := events[n-1].ID + 1
		if next <= int64(h.svc.Ledger().Len()) {
			resp["next"] = next
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GetEvent handles GET /ledger/events/:id.
func (h *LedgerHandler) GetEvent(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return
	}
	e, err := h.svc.Ledger().Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	c.JSON(http.StatusOK, e)
}

// AppendEventRequest is the body of POST /ledger/events.
type AppendEventRequest struct {
	Action      string         `json:"action" binding:"required"`
	SubjectHash string         `json:"subject_hash"`
	Metadata    map[string]any `json:"metadata"`
}

// AppendEvent handles POST /ledger/events.
func (h *LedgerHandler) AppendEvent(c *gin.Context) {
	var req AppendEventRequest
	if err := bindJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	action, err := ledger.ParseAction(req.Action)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	e, err := h.svc.Ledger().Append(c.Request.Context(), action, req.SubjectHash, req.Metadata)
	if err != nil {
		respondError(c, h.logger, "failed to append event", err)
		return
	}
	h.logger.Info("event appended via API",
		zap.Int64("event_id", e.ID),
		zap.String("action", string(e.Action)),
		zap.String("operator", operator(c)),
	)
	c.JSON(http.StatusCreated, e)
}

// Manifest handles GET /artifacts.
func (h *LedgerHandler) Manifest(c *gin.Context) {
	m := h.svc.Manifest()
	if m == nil {
		m = []custody.Artifact{}
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": m, "count": len(m)})
}

// IngestRequest is the body of POST /artifacts.
type IngestRequest struct {
	custody.Artifact
	Metadata map[string]any `json:"metadata"`
}

// Ingest handles POST /artifacts. The content is hashed by the caller; only
// the digest and descriptive fields are sent.
func (h *LedgerHandler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := bindJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	e, err := h.svc.Ingest(c.Request.Context(), req.Artifact, req.Metadata)
	if err != nil {
		respondError(c, h.logger, "failed to ingest artifact", err)
		return
	}
	c.JSON(http.StatusCreated, e)
}
