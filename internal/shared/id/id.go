// Package id generates the identifiers the bridge hands out: task ids,
// request log ids, and ?wait=true listener ids.
package id

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewTaskID returns a fresh id of the form "task-<ms>-<8 hex chars>",
// matching the auto-generation rule when a submission omits task_id.
func NewTaskID(now time.Time) string {
	return fmt.Sprintf("task-%d-%s", now.UnixMilli(), randHex(4))
}

func randHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is a fatal host problem; fall back to a
		// uuid-derived suffix rather than panic so callers keep working.
		u := uuid.New()
		return hex.EncodeToString(u[:n])
	}
	return hex.EncodeToString(buf)
}

// NewLogID returns an opaque request-scoped id surfaced via X-Log-Id.
func NewLogID() string {
	return uuid.NewString()
}

// NewListenerID returns an id for a one-shot ?wait=true listener registration.
func NewListenerID() string {
	return uuid.NewString()
}

type sessionKey struct{}

// WithSessionID attaches an opaque session/log id to ctx.
func WithSessionID(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sid)
}

// SessionIDFromContext returns the id attached by WithSessionID, or "".
func SessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sessionKey{}).(string)
	return v
}
