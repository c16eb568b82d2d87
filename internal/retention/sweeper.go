// Package retention runs the background sweep that enforces
// conversation retention windows.
package retention

import (
	"context"
	"log"
	"time"

	"github.com/quietpost/quietpost/internal/auth"
	convservice "github.com/quietpost/quietpost/internal/conversation/service"
	apperrors "github.com/quietpost/quietpost/internal/platform/errors"
)

// DefaultInterval is how often the sweeper visits every conversation.
const DefaultInterval = time.Hour

// SweeperSubject identifies the sweeper to entity authorization checks.
// It is a system principal, never a participant.
const SweeperSubject = "system:retention-sweeper"

// Backend is the slice of the node the sweeper drives.
type Backend interface {
	ConversationIDs() []string
	PurgeExpired(ctx context.Context, conversationID string, asOf time.Time) (convservice.PurgeResult, error)
}

// Sweeper visits every activated conversation on an interval and purges
// messages past their retention window.
type Sweeper struct {
	backend  Backend
	interval time.Duration
	clock    func() time.Time
}

// New creates a sweeper. A non-positive interval falls back to
// DefaultInterval.
func New(backend Backend, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		backend:  backend,
		interval: interval,
		clock:    time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled. The
// first sweep runs immediately.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep purges every activated conversation once. Conversations that
// are deleted or never initialized are skipped quietly; other failures
// are logged and do not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context) {
	ctx = auth.WithIdentity(ctx, auth.Identity{Subject: SweeperSubject})
	asOf := s.clock().UTC()

	purged := 0
	for _, conversationID := range s.backend.ConversationIDs() {
		result, err := s.backend.PurgeExpired(ctx, conversationID, asOf)
		if err != nil {
			if apperrors.IsCode(err, apperrors.CodeConversationDeleted) ||
				apperrors.IsCode(err, apperrors.CodeConversationNotInitialized) {
				continue
			}
			log.Printf("retention sweep: conversation %s: %v", conversationID, err)
			continue
		}
		for _, warning := range result.Warnings {
			log.Printf("retention sweep: conversation %s: %s", conversationID, warning)
		}
		purged += result.Purged
	}
	if purged > 0 {
		log.Printf("retention sweep: purged %d messages", purged)
	}
}
