package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-party-sync/internal/domain"
)

const (
	// HeaderActorID identifies the publishing guest, DJ or admin session.
	HeaderActorID = "X-Actor-ID"
	// HeaderScopeID names the party a request targets when the route has no :id.
	HeaderScopeID = "X-Scope-ID"

	ctxKeyActorID = "actorID"
	anonymousActor = "anonymous"
)

var actorPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:@]{1,128}$`)

// Actor reads the caller identity from X-Actor-ID and stores it in the
// context. Requests without the header run as "anonymous"; a malformed value
// is rejected with 400.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if id == "" {
			c.Set(ctxKeyActorID, anonymousActor)
			c.Next()
			return
		}
		if !actorPattern.MatchString(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_actor_id",
				"message":    "invalid " + HeaderActorID,
			})
			return
		}
		c.Set(ctxKeyActorID, id)
		c.Next()
	}
}

// ActorFrom returns the caller identity set by Actor, or "anonymous".
func ActorFrom(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyActorID); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return anonymousActor
}

// ScopeFrom resolves the scope a request targets: the :id route param, then
// the X-Scope-ID header, then the scopeId query parameter.
func ScopeFrom(c *gin.Context) string {
	if id := c.Param("id"); id != "" {
		return domain.NormalizeScopeID(id)
	}
	if id := c.GetHeader(HeaderScopeID); id != "" {
		return domain.NormalizeScopeID(id)
	}
	return domain.NormalizeScopeID(c.Query("scopeId"))
}
