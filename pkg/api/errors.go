package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gokaycavdar/go-bankguard/pkg/autherr"
	"github.com/gokaycavdar/go-bankguard/pkg/storage"
)

// writeError maps the error taxonomy onto HTTP. Messages for credential and
// second factor failures are fixed strings so they cannot enumerate users.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	var (
		blocked *autherr.RiskBlockedError
		factor  *autherr.SecondFactorError
		locked  *autherr.LockedError
		invalid *autherr.ValidationError
	)

	switch {
	case errors.As(err, &blocked):
		body := gin.H{"message": "Account temporarily locked"}
		if blocked.Assessment != nil {
			body["risk"] = blocked.Assessment
		}
		c.JSON(http.StatusForbidden, body)
	case errors.As(err, &factor):
		c.JSON(http.StatusBadRequest, gin.H{
			"message":           "Invalid token",
			"attemptsRemaining": factor.AttemptsRemaining,
		})
	case errors.As(err, &locked):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"message":     "Too many failed attempts. Try again later.",
			"lockedUntil": locked.Until,
		})
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"message": invalid.Error(), "field": invalid.Field})
	case errors.Is(err, autherr.ErrInvalidCredential):
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid credentials"})
	case errors.Is(err, autherr.ErrChallengeNotFound):
		c.JSON(http.StatusUnauthorized, gin.H{"message": autherr.ErrChallengeNotFound.Error()})
	case errors.Is(err, autherr.ErrVault):
		logger.Error("vault failure", "path", c.FullPath())
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": autherr.ErrVault.Error()})
	case errors.Is(err, autherr.ErrMfaNotEnabled), errors.Is(err, autherr.ErrMfaNotConfigured):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	case errors.Is(err, autherr.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "User not found"})
	case errors.Is(err, storage.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"message": "Please retry"})
	default:
		logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal error"})
	}
}
