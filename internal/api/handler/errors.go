package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/anchor"
	"github.com/jmerrifield20/custodyledger/internal/bundle"
	"github.com/jmerrifield20/custodyledger/internal/canonical"
	"github.com/jmerrifield20/custodyledger/internal/custody"
	"github.com/jmerrifield20/custodyledger/internal/digest"
	"github.com/jmerrifield20/custodyledger/internal/ledger"
	"github.com/jmerrifield20/custodyledger/internal/merkle"
	"github.com/jmerrifield20/custodyledger/internal/storage"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidAction),
		errors.Is(err, digest.ErrInvalid),
		errors.Is(err, merkle.ErrInvalidDigest),
		errors.Is(err, canonical.ErrSerialization),
		errors.Is(err, bundle.ErrInvalidBundle):
		return http.StatusBadRequest
	case errors.Is(err, merkle.ErrEmptyBatch),
		errors.Is(err, custody.ErrNoArtifacts):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, merkle.ErrLeafNotFound),
		errors.Is(err, anchor.ErrUnknownHandle):
		return http.StatusNotFound
	case errors.Is(err, anchor.ErrNotPending),
		errors.Is(err, ledger.ErrStaleHead):
		return http.StatusConflict
	case errors.Is(err, storage.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Server-side failures are
// logged and their detail withheld from the client.
func respondError(c *gin.Context, logger *zap.Logger, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, zap.Error(err))
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
