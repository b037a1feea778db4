package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-party-sync/internal/domain"
	"github.com/tbourn/go-party-sync/internal/http/middleware"
	"github.com/tbourn/go-party-sync/internal/services"
)

// ScopeStateResponse is the authoritative snapshot of a scope.
type ScopeStateResponse struct {
	ScopeID   string          `json:"scopeId" example:"party-42"`
	Version   int64           `json:"version" example:"3"`
	State     json.RawMessage `json:"state" swaggertype:"object"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// PutScopeStateRequest replaces a snapshot. ExpectedVersion is the version
// the caller read; 0 creates the scope.
type PutScopeStateRequest struct {
	ExpectedVersion *int64          `json:"expectedVersion" binding:"required" example:"3"`
	State           json.RawMessage `json:"state" binding:"required" swaggertype:"object"`
}

func stateResponse(st *domain.ScopeState) ScopeStateResponse {
	return ScopeStateResponse{
		ScopeID:   st.ScopeID,
		Version:   st.Version,
		State:     json.RawMessage(st.State),
		UpdatedAt: st.UpdatedAt,
	}
}

// GetScopeState godoc
// @ID          getScopeState
// @Summary     Get scope state
// @Description Returns the snapshot clients apply after a reconnect.
// @Tags        Scopes
// @Produce     json
// @Param       id   path  string  true  "Scope id"  example(party-42)
// @Success     200  {object}  handlers.ScopeStateResponse
// @Success     304  "Not modified"
// @Failure     404  {object}  handlers.ErrorResponse "Unknown scope"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /scopes/{id}/state [get]
func (h *Handlers) GetScopeState(c *gin.Context) {
	scope := middleware.ScopeFrom(c)
	st, err := h.scopes.Get(c.Request.Context(), scope)
	switch {
	case errors.Is(err, services.ErrEmptyScope):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "scope id required")
		return
	case errors.Is(err, services.ErrScopeNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "scope not found")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	etag := fmt.Sprintf(`W/"scope:%s:%d"`, st.ScopeID, st.Version)
	c.Header("ETag", etag)
	c.Header("Cache-Control", "no-cache")
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		notModified(c)
		return
	}
	ok(c, http.StatusOK, stateResponse(st))
}

// PutScopeState godoc
// @ID          putScopeState
// @Summary     Replace scope state
// @Description Optimistically replaces the snapshot; the write fails with 409 when
// @Description expectedVersion is no longer current.
// @Tags        Scopes
// @Accept      json
// @Produce     json
// @Param       id    path  string  true  "Scope id"  example(party-42)
// @Param       body  body  handlers.PutScopeStateRequest  true  "New state"
// @Success     200  {object}  handlers.ScopeStateResponse
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     409  {object}  handlers.ErrorResponse "Version conflict"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /scopes/{id}/state [put]
func (h *Handlers) PutScopeState(c *gin.Context) {
	var req PutScopeStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "expectedVersion and state required")
		return
	}
	if *req.ExpectedVersion < 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "expectedVersion must be >= 0")
		return
	}

	st, err := h.scopes.Put(c.Request.Context(), middleware.ScopeFrom(c), *req.ExpectedVersion, req.State)
	switch {
	case errors.Is(err, services.ErrEmptyScope):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "scope id required")
	case errors.Is(err, services.ErrInvalidState):
		fail(c, http.StatusBadRequest, ErrCodeInvalidState, "state must be a JSON object")
	case errors.Is(err, services.ErrVersionConflict):
		fail(c, http.StatusConflict, ErrCodeVersionConflict,
			fmt.Sprintf("scope state changed; expected version %d", *req.ExpectedVersion))
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	default:
		ok(c, http.StatusOK, stateResponse(st))
	}
}
