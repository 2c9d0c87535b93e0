package id

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewTaskIDFormat(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	got := NewTaskID(now)
	require.Regexp(t, regexp.MustCompile(fmt.Sprintf(`^task-%d-[0-9a-f]{8}$`, now.UnixMilli())), got)
}

func TestNewTaskIDIsUnique(t *testing.T) {
	now := time.Now()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewTaskID(now)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestSessionIDRoundTrip(t *testing.T) {
	ctx := WithSessionID(context.Background(), "log-123")
	require.Equal(t, "log-123", SessionIDFromContext(ctx))
	require.Empty(t, SessionIDFromContext(context.Background()))
}
