package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/chronicle/internal/temporal"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var insErr *temporal.InsertionError

	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: err.Error(),
		}
	case errors.Is(err, temporal.ErrMissingActor):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "missing_actor",
			Message: "an acting user is required for this operation",
		}
	case errors.Is(err, temporal.ErrCannotSnapshotHistory):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "history rows cannot be snapshotted",
		}
	case errors.Is(err, temporal.ErrImmutableHistory):
		return http.StatusConflict, errorPayload{
			Type:    "immutable_history",
			Message: "history rows cannot be changed",
		}
	case errors.Is(err, temporal.ErrNotVersioned),
		errors.Is(err, ErrNotFound),
		errors.Is(err, temporal.ErrNoIdentity),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.As(err, &insErr):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "could not append history row",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
