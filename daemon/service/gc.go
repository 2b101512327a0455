package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ndnstream/backend/daemon/manager"
	"github.com/ndnstream/backend/internal/observability"
)

// RunObjectGC prunes the object store every interval until ctx is done.
// It also drops finished sessions older than retention.
func RunObjectGC(ctx context.Context, store *manager.ObjectStore, sessions *manager.SessionStore, retention, interval time.Duration, log *observability.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.GC(retention)
			if err != nil {
				log.Error(err, "object store GC failed")
				continue
			}
			dropped := 0
			if sessions != nil {
				dropped = sessions.CleanupOldSessions(retention, now)
			}
			if removed > 0 || dropped > 0 {
				log.Info(fmt.Sprintf("GC removed %d objects and %d sessions", removed, dropped))
			}
		}
	}
}
