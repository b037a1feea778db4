// Event HTTP handlers.
//
//   - POST /events        publish one event (relay + log)
//   - GET  /events/poll   read logged events since a timestamp
//
// Publishing is idempotent by event id, and by Idempotency-Key when sent. A
// replayed key answers 200 with Idempotency-Replayed: true and the event that
// was originally accepted.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-party-sync/internal/domain"
	"github.com/tbourn/go-party-sync/internal/http/middleware"
	"github.com/tbourn/go-party-sync/internal/repo"
	"github.com/tbourn/go-party-sync/internal/services"
	"github.com/tbourn/go-party-sync/internal/utils"
)

const (
	defaultPollLimit = 100
	// one row of the repo maximum is the has-more lookahead
	maxPollLimit = repo.MaxPollLimit - 1
)

//
// DTOs
//

// PublishEventResponse reports the accepted event.
type PublishEventResponse struct {
	Event domain.Event `json:"event"`
	// Duplicate is true when an event with this id was already logged.
	Duplicate bool `json:"duplicate"`
	// Relayed is false when the relay publish failed; the event is still pollable.
	Relayed bool `json:"relayed"`
}

// PollEventsResponse is a page of logged events.
type PollEventsResponse struct {
	Events []domain.Event `json:"events"`
	// Next is the timestamp to pass as since on the following poll.
	Next    int64 `json:"next"`
	HasMore bool  `json:"hasMore"`
}

//
// Handlers
//

// PublishEvent godoc
// @ID          publishEvent
// @Summary     Publish an event
// @Description Appends the event to the scope log and forwards it to the relay channel.
// @Description Retries with the same Idempotency-Key (or event id) are no-ops.
// @Tags        Events
// @Accept      json
// @Produce     json
//
// @Param       X-Actor-ID       header  string  false "Publishing actor"  example(dj-1)
// @Param       X-Scope-ID       header  string  false "Scope of the event, used for idempotency lookups"  example(party-42)
// @Param       Idempotency-Key  header  string  false "Key for safe retries (sync clients send the event id)"
// @Param       body             body    domain.Event  true  "Event envelope"
//
// @Success     202  {object}  handlers.PublishEventResponse  "Accepted"
// @Success     200  {object}  handlers.PublishEventResponse  "Idempotent replay"
// @Failure     400  {object}  handlers.ErrorResponse         "Invalid event"
// @Failure     413  {object}  handlers.ErrorResponse         "Payload too large"
// @Failure     429  {object}  handlers.ErrorResponse         "Rate limited"
// @Failure     500  {object}  handlers.ErrorResponse         "Internal error"
// @Router      /events [post]
func (h *Handlers) PublishEvent(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "request body too large")
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}
	evt, err := domain.DecodeEvent(body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidEvent, err.Error())
		return
	}

	actor := middleware.ActorFrom(c)
	if h.gate != nil && !middleware.IsReplay(c) {
		gateActor := evt.ActorID
		if gateActor == "" {
			gateActor = actor
		}
		if d := h.gate.Check(evt, gateActor, domain.NormalizeScopeID(evt.ScopeID)); !d.Allowed {
			secs := int64(math.Ceil(float64(d.RetryAfterMs) / 1000))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.FormatInt(secs, 10))
			fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, d.Reason)
			return
		}
	}

	key, _ := middleware.GetIdempotencyKey(c)
	res, err := h.events.Publish(c.Request.Context(), actor, key, evt)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidEvent):
			fail(c, http.StatusBadRequest, ErrCodeInvalidEvent, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodePublishFailed, err.Error())
		}
		return
	}

	out := PublishEventResponse{Event: res.Event, Duplicate: res.Duplicate, Relayed: res.Relayed}
	if res.Replayed {
		c.Header("Idempotency-Replayed", "true")
		ok(c, http.StatusOK, out)
		return
	}
	if !res.Relayed {
		middleware.LoggerFrom(c).Warn().Str("event_id", res.Event.ID).Msg("event accepted without relay delivery")
	}
	ok(c, http.StatusAccepted, out)
}

// PollEvents godoc
// @ID          pollEvents
// @Summary     Poll logged events
// @Description Returns events of a scope with timestamp >= since, oldest first. The
// @Description lower bound is inclusive; clients deduplicate by event id.
// @Tags        Events
// @Produce     json
//
// @Param       scopeId  query  string  true  "Scope id"  example(party-42)
// @Param       since    query  int     false "Unix millis lower bound (inclusive)"  minimum(0) default(0)
// @Param       limit    query  int     false "Maximum events"  minimum(1) maximum(499) default(100)
// @Param       If-None-Match  header  string  false "ETag of a previous poll"
//
// @Success     200  {object}  handlers.PollEventsResponse
// @Success     304  "Not modified"
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /events/poll [get]
func (h *Handlers) PollEvents(c *gin.Context) {
	ctx := c.Request.Context()
	scope := middleware.ScopeFrom(c)
	if scope == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "scopeId required")
		return
	}
	since, err := utils.ParseInt64(c.Query("since"), 0)
	if err != nil || since < 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "since must be a non-negative integer")
		return
	}
	limit := utils.Clamp(utils.AtoiDefault(c.Query("limit"), defaultPollLimit), 1, maxPollLimit)

	// ETag pre-check (best effort).
	if count, maxTS, err := h.events.Stats(ctx, scope, since); err == nil {
		etag := fmt.Sprintf(`W/"events:%s:%d:%d:%d"`, scope, since, count, maxTS)
		c.Header("ETag", etag)
		c.Header("Cache-Control", "no-cache")
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			notModified(c)
			return
		}
	}

	events, err := h.events.Poll(ctx, scope, since, limit+1)
	if err != nil {
		if errors.Is(err, services.ErrEmptyScope) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "scopeId required")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodePollFailed, err.Error())
		return
	}
	out := PollEventsResponse{Events: events, Next: since}
	if len(events) > limit {
		out.Events, out.HasMore = events[:limit], true
	}
	if out.Events == nil {
		out.Events = []domain.Event{}
	}
	if n := len(out.Events); n > 0 {
		out.Next = out.Events[n-1].Timestamp
	}
	ok(c, http.StatusOK, out)
}
