package runtime

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/taskforge/taskforge/internal/model"
	"github.com/taskforge/taskforge/internal/registry"
)

// Revoking a task that never reaches a worker (e.g. one parked in retry
// backoff whose resubmission is skipped upstream) leaves a pre-start mark
// with no consumer. The mark must expire rather than accumulate.
func TestRevokedMarkExpires(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	pool := NewPool(1, 4, registry.New(), logger)
	pool.revokedTTL = 20 * time.Millisecond

	id := model.NewID()
	pool.Revoke(id, false)

	pool.mu.Lock()
	marked := pool.revoked[id]
	pool.mu.Unlock()
	if !marked {
		t.Fatal("revocation mark not stored for an unknown task id")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		pool.mu.Lock()
		n := len(pool.revoked)
		pool.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("revocation mark not dropped after its ttl")
}
