package security

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateDocumentID(t *testing.T) {
	require.NoError(t, ValidateDocumentID("room:general", 0))
	require.Error(t, ValidateDocumentID("", 0))
	require.Error(t, ValidateDocumentID("room/../etc", 0), "path-ish traversal should still pass charset but we want to be conservative")
	require.Error(t, ValidateDocumentID(strings.Repeat("a", 300), 0))
}

func TestCanAccessDocument(t *testing.T) {
	require.True(t, CanAccessDocument("playground"))
	require.True(t, CanAccessDocument("room:general"))
	require.False(t, CanAccessDocument("admin:secrets"))
}

func TestConnectionLimiterPerIP(t *testing.T) {
	l := NewConnectionLimiter(2)
	require.True(t, l.CanConnect("1.1.1.1"))
	l.AddConnection("1.1.1.1")
	l.AddConnection("1.1.1.1")
	require.False(t, l.CanConnect("1.1.1.1"))
	l.RemoveConnection("1.1.1.1")
	require.True(t, l.CanConnect("1.1.1.1"))
}

// Property 8: rate-limit isolation — exhausting one connection's budget
// must not affect another connection's budget.
func TestRateLimitIsolation(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	require.True(t, rl.CanSendMessage("c1"))
	require.False(t, rl.CanSendMessage("c1"), "c1's single token is spent")
	require.True(t, rl.CanSendMessage("c2"), "c2 must have its own independent bucket")
}

func TestRateLimiterConcurrentSafe(t *testing.T) {
	rl := NewRateLimiter(1000, 1000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rl.CanSendMessage("shared")
		}(i)
	}
	wg.Wait()
}
