package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KeyBuilder renders cache keys as <prefix>:<resolved template>[:u<user>][:<hash(query)>].
// The user segment keeps cached responses from leaking across users.
type KeyBuilder struct {
	Prefix string
}

// Key resolves {name} placeholders in template from params.
func (b KeyBuilder) Key(template string, params map[string]string, userID *uuid.UUID, query url.Values) string {
	resolved := template
	for name, value := range params {
		resolved = strings.ReplaceAll(resolved, "{"+name+"}", value)
	}
	var sb strings.Builder
	sb.WriteString(b.Prefix)
	sb.WriteByte(':')
	sb.WriteString(resolved)
	if userID != nil {
		sb.WriteString(":u")
		sb.WriteString(userID.String())
	}
	if len(query) > 0 {
		// Encode sorts by key
		sum := sha256.Sum256([]byte(query.Encode()))
		sb.WriteByte(':')
		sb.WriteString(hex.EncodeToString(sum[:8]))
	}
	return sb.String()
}

// EntityPattern matches every key cached for an entity, e.g. "api:wallet:*".
func (b KeyBuilder) EntityPattern(entity string) string {
	return b.Prefix + ":" + entity + ":*"
}

const rateLimitTTL = 24 * time.Hour

// RateCounters keeps per-user daily operation counts under
// ratelimit:<user>:<op>:<YYYYMMDD>.
type RateCounters struct {
	counter Counter
	now     func() time.Time
}

func NewRateCounters(counter Counter) *RateCounters {
	return &RateCounters{counter: counter, now: time.Now}
}

// RateLimitKey returns the counter key for the day containing at (UTC).
func RateLimitKey(userID uuid.UUID, operation string, at time.Time) string {
	return "ratelimit:" + userID.String() + ":" + operation + ":" + at.UTC().Format("20060102")
}

func (r *RateCounters) Count(ctx context.Context, userID uuid.UUID, operation string) (int64, error) {
	return r.counter.Count(ctx, RateLimitKey(userID, operation, r.now()))
}

func (r *RateCounters) Incr(ctx context.Context, userID uuid.UUID, operation string) (int64, error) {
	return r.counter.Incr(ctx, RateLimitKey(userID, operation, r.now()), rateLimitTTL)
}
