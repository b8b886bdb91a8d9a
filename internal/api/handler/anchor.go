package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/anchor"
	"github.com/jmerrifield20/custodyledger/internal/custody"
)

// AnchorHandler submits digests to the external anchor and reports on
// outstanding submissions.
type AnchorHandler struct {
	monitor *anchor.Monitor
	svc     *custody.Service
	tokens  *TokenIssuer
	logger  *zap.Logger
}

// NewAnchorHandler creates a new AnchorHandler.
func NewAnchorHandler(monitor *anchor.Monitor, svc *custody.Service, tokens *TokenIssuer, logger *zap.Logger) *AnchorHandler {
	return &AnchorHandler{monitor: monitor, svc: svc, tokens: tokens, logger: logger}
}

// Register mounts the anchor routes on the given router group.
func (h *AnchorHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/anchors")
	{
		a.POST("", RequireScope(h.tokens, ScopeAnchorWrite), h.Submit)
		a.GET("/pending", h.Pending)
		a.DELETE("/:id", RequireScope(h.tokens, ScopeAnchorWrite), h.Cancel)
	}
}

// SubmitRequest is the body of POST /anchors. Without a digest the current
// ledger head is anchored.
type SubmitRequest struct {
	Digest string `json:"digest"`
}

// Submit handles POST /anchors. The handle is returned as soon as the
// submission is recorded; confirmation arrives later as a ledger event.
func (h *AnchorHandler) Submit(c *gin.Context) {
	var req SubmitRequest
	if c.Request.ContentLength != 0 {
		if err := bindJSON(c, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Digest == "" {
		req.Digest = h.svc.Ledger().Head()
	}

	handle, err := h.monitor.Submit(c.Request.Context(), req.Digest)
	if err != nil {
		respondError(c, h.logger, "failed to submit anchor", err)
		return
	}
	h.logger.Info("anchor submitted via API",
		zap.String("handle", handle.ID),
		zap.String("operator", operator(c)),
	)
	c.JSON(http.StatusAccepted, handle)
}

// Pending handles GET /anchors/pending.
func (h *AnchorHandler) Pending(c *gin.Context) {
	handles := h.monitor.Pending()
	c.JSON(http.StatusOK, gin.H{"handles": handles, "count": len(handles)})
}

// Cancel handles DELETE /anchors/:id.
func (h *AnchorHandler) Cancel(c *gin.Context) {
	if err := h.monitor.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, "failed to cancel anchor", err)
		return
	}
	c.Status(http.StatusNoContent)
}
