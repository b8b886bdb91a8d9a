package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/bundle"
	"github.com/jmerrifield20/custodyledger/internal/custody"
	"github.com/jmerrifield20/custodyledger/internal/merkle"
)

const cborContentType = "application/cbor"

// maxBundleBytes bounds an uploaded bundle.
const maxBundleBytes = 1 << 20

// SnapshotHandler exposes Merkle batches, inclusion proofs and evidence
// bundles.
type SnapshotHandler struct {
	svc    *custody.Service
	tokens *TokenIssuer
	logger *zap.Logger
}

// NewSnapshotHandler creates a new SnapshotHandler.
func NewSnapshotHandler(svc *custody.Service, tokens *TokenIssuer, logger *zap.Logger) *SnapshotHandler {
	return &SnapshotHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register mounts the snapshot routes on the given router group.
func (h *SnapshotHandler) Register(rg *gin.RouterGroup) {
	s := rg.Group("/snapshots")
	{
		s.POST("", RequireScope(h.tokens, ScopeLedgerWrite), h.Build)
		s.GET("/:root", h.Get)
		s.GET("/:root/proof/:leaf", h.Proof)
	}
	rg.POST("/proofs/verify", h.VerifyProof)

	b := rg.Group("/bundles")
	{
		b.POST("", RequireScope(h.tokens, ScopeLedgerWrite), h.Export)
		b.POST("/verify", h.VerifyBundle)
	}
}

// BuildRequest is the body of POST /snapshots. An empty Leaves list builds
// over every ingested artifact.
type BuildRequest struct {
	Leaves []string `json:"leaves"`
}

// Build handles POST /snapshots.
func (h *SnapshotHandler) Build(c *gin.Context) {
	var req BuildRequest
	if c.Request.ContentLength != 0 {
		if err := bindJSON(c, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx := c.Request.Context()
	var (
		snap *merkle.Snapshot
		err  error
	)
	if len(req.Leaves) == 0 {
		snap, _, err = h.svc.BuildFromManifest(ctx)
	} else {
		snap, _, err = h.svc.BuildBatch(ctx, req.Leaves)
	}
	if err != nil {
		respondError(c, h.logger, "failed to build snapshot", err)
		return
	}

	h.logger.Info("snapshot built via API",
		zap.String("root", snap.RootHash),
		zap.Int("leaves", snap.LeafCount),
		zap.String("operator", operator(c)),
	)
	c.JSON(http.StatusCreated, snap)
}

// Get handles GET /snapshots/:root.
func (h *SnapshotHandler) Get(c *gin.Context) {
	snap, err := h.svc.Snapshot(c.Request.Context(), c.Param("root"))
	if err != nil {
		respondError(c, h.logger, "failed to load snapshot", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Proof handles GET /snapshots/:root/proof/:leaf.
func (h *SnapshotHandler) Proof(c *gin.Context) {
	p, err := h.svc.Prove(c.Request.Context(), c.Param("root"), c.Param("leaf"))
	if err != nil {
		respondError(c, h.logger, "failed to build proof", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// VerifyProofRequest is the body of POST /proofs/verify.
type VerifyProofRequest struct {
	Leaf  string        `json:"leaf" binding:"required"`
	Root  string        `json:"root" binding:"required"`
	Proof *merkle.Proof `json:"proof" binding:"required"`
}

// VerifyProof handles POST /proofs/verify. It needs no stored state; a
// proof that does not check out is reported, not rejected.
func (h *SnapshotHandler) VerifyProof(c *gin.Context) {
	var req VerifyProofRequest
	if err := bindJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": merkle.VerifyProof(req.Leaf, req.Proof, req.Root)})
}

// ExportRequest is the body of POST /bundles.
type ExportRequest struct {
	Root string `json:"root" binding:"required"`
	Leaf string `json:"leaf" binding:"required"`
}

// Export handles POST /bundles. The response body is the CBOR bundle.
func (h *SnapshotHandler) Export(c *gin.Context) {
	var req ExportRequest
	if err := bindJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	_, data, err := bundle.Export(c.Request.Context(), h.svc, req.Root, req.Leaf)
	if err != nil {
		respondError(c, h.logger, "failed to export bundle", err)
		return
	}
	c.Data(http.StatusOK, cborContentType, data)
}

// VerifyBundle handles POST /bundles/verify with a CBOR bundle as the body.
func (h *SnapshotHandler) VerifyBundle(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBundleBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(data) > maxBundleBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "bundle too large"})
		return
	}

	b, err := bundle.Decode(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := bundle.Check(b); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":     true,
		"artifact":  b.Artifact,
		"root_hash": b.RootHash,
		"anchored":  b.Receipt != nil,
	})
}
