package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/quietpost/quietpost/internal/auth"
	"github.com/quietpost/quietpost/internal/conversation/domain"
	"github.com/quietpost/quietpost/internal/conversation/policy"
	apperrors "github.com/quietpost/quietpost/internal/platform/errors"
)

// Create initializes the conversation. It fails once the conversation is
// active or deleted; a conversation id is never reused.
func (e *Entity) Create(ctx context.Context, caller auth.Identity, in domain.CreateInput) (domain.Details, error) {
	if err := e.requireCaller(caller); err != nil {
		return domain.Details{}, err
	}
	switch e.state {
	case domain.StateActive:
		return domain.Details{}, apperrors.WithMetadata(apperrors.CodeConversationExists,
			"conversation already exists",
			map[string]string{"conversation_id": e.id})
	case domain.StateDeleted:
		return domain.Details{}, apperrors.WithMetadata(apperrors.CodeConversationDeleted,
			"conversation has been deleted",
			map[string]string{"conversation_id": e.id})
	}

	normalized, err := domain.NormalizeCreateInput(in)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrParticipantsEmpty):
			return domain.Details{}, apperrors.New(apperrors.CodeParticipantsEmpty, err.Error())
		case errors.Is(err, domain.ErrCreatorNotMember):
			return domain.Details{}, apperrors.New(apperrors.CodeCreatorNotMember, err.Error())
		case errors.Is(err, domain.ErrRetentionInvalid):
			return domain.Details{}, apperrors.New(apperrors.CodeRetentionInvalid, err.Error())
		default:
			return domain.Details{}, err
		}
	}

	if caller.Subject != normalized.CreatorID {
		return domain.Details{}, apperrors.WithMetadata(apperrors.CodeCallerMismatch,
			"caller must be the conversation creator",
			map[string]string{"conversation_id": e.id, "caller": caller.Subject})
	}

	now := e.deps.Clock().UTC()
	e.state = domain.StateActive
	e.createdBy = normalized.CreatorID
	e.createdAt = now
	e.lastActivityAt = now
	e.messageCount = 0
	e.currentKeyVersion = 1
	e.retention = normalized.Retention
	for _, participant := range normalized.Participants {
		e.participants[participant] = struct{}{}
	}

	// Keep each member's denormalized conversation index in step. Index
	// failures don't undo the create; the index is eventually consistent.
	for _, participant := range normalized.Participants {
		if err := e.deps.Members.AddConversation(ctx, participant, e.id); err != nil {
			log.Printf("conversation %s: index add for %s: %v", e.id, participant, err)
		}
	}

	return e.details(), nil
}

// GetDetails returns a metadata snapshot to participants.
func (e *Entity) GetDetails(ctx context.Context, caller auth.Identity) (domain.Details, error) {
	if err := e.requireActive(); err != nil {
		return domain.Details{}, err
	}
	if err := e.requireParticipant(caller); err != nil {
		return domain.Details{}, err
	}
	return e.details(), nil
}

// AddParticipant adds a member. Adding an existing member is a no-op;
// adding a new one advances the key epoch, because the newcomer can never
// be granted old-epoch keys. The entity only moves the counter — callers
// distribute the new epoch's encrypted keys themselves.
func (e *Entity) AddParticipant(ctx context.Context, caller auth.Identity, userID string) (domain.Details, error) {
	if err := e.requireActive(); err != nil {
		return domain.Details{}, err
	}
	if err := e.requireParticipant(caller); err != nil {
		return domain.Details{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Details{}, apperrors.New(apperrors.CodeParticipantsEmpty, "user id is required")
	}

	if _, already := e.participants[userID]; already {
		return e.details(), nil
	}

	e.participants[userID] = struct{}{}
	if policy.ShouldRotate(policy.TriggerParticipantJoined, e.messageCount) {
		e.currentKeyVersion++
	}

	if err := e.deps.Members.AddConversation(ctx, userID, e.id); err != nil {
		log.Printf("conversation %s: index add for %s: %v", e.id, userID, err)
	}

	return e.details(), nil
}

// RemoveParticipant removes a member. Only the member themself or the
// conversation creator may do it. Already-issued key records stay in
// place: forward secrecy comes from the next rotation, not revocation.
func (e *Entity) RemoveParticipant(ctx context.Context, caller auth.Identity, userID string) (domain.Details, error) {
	if err := e.requireActive(); err != nil {
		return domain.Details{}, err
	}
	if err := e.requireCaller(caller); err != nil {
		return domain.Details{}, err
	}
	if caller.Subject != userID && caller.Subject != e.createdBy {
		return domain.Details{}, apperrors.WithMetadata(apperrors.CodeCallerMismatch,
			"only the member or the creator may remove a participant",
			map[string]string{"conversation_id": e.id, "caller": caller.Subject, "user_id": userID})
	}

	if _, ok := e.participants[userID]; !ok {
		return e.details(), nil
	}

	delete(e.participants, userID)

	if err := e.deps.Members.RemoveConversation(ctx, userID, e.id); err != nil {
		log.Printf("conversation %s: index remove for %s: %v", e.id, userID, err)
	}

	return e.details(), nil
}

// IsParticipant reports membership. The method is allow-listed for invite
// inspection, so it accepts anonymous callers; lifecycle checks still
// apply.
func (e *Entity) IsParticipant(ctx context.Context, caller auth.Identity, userID string) (bool, error) {
	if err := e.requireActive(); err != nil {
		return false, err
	}
	_, ok := e.participants[userID]
	return ok, nil
}

// Rename sets or clears the conversation name.
func (e *Entity) Rename(ctx context.Context, caller auth.Identity, name string) (domain.Details, error) {
	if err := e.requireActive(); err != nil {
		return domain.Details{}, err
	}
	if err := e.requireParticipant(caller); err != nil {
		return domain.Details{}, err
	}
	e.name = strings.TrimSpace(name)
	return e.details(), nil
}

// DeleteResult reports a completed deletion plus best-effort cleanup
// warnings.
type DeleteResult struct {
	Warnings []string
}

// DeleteConversation transitions to the terminal Deleted state. Blob
// purges and membership-index removals are best-effort: their failures
// come back as warnings, never as a failed delete, since the conversation
// must disappear from the caller's perspective regardless.
func (e *Entity) DeleteConversation(ctx context.Context, caller auth.Identity) (DeleteResult, error) {
	if err := e.requireActive(); err != nil {
		return DeleteResult{}, err
	}
	if err := e.requireParticipant(caller); err != nil {
		return DeleteResult{}, err
	}

	var warnings []string

	messageIDs := make([]string, 0, len(e.meta))
	for messageID := range e.meta {
		messageIDs = append(messageIDs, messageID)
	}
	if len(messageIDs) > 0 {
		err := e.withStore(ctx, "purge messages", func(ctx context.Context) error {
			failed, err := e.deps.Messages.DeleteMany(ctx, e.id, messageIDs)
			if err != nil {
				return err
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d message blobs not removed", len(failed))
			}
			return nil
		})
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("purge messages: %v", err))
		}
	}

	err := e.withStore(ctx, "purge attachments", func(ctx context.Context) error {
		failed, err := e.deps.Attachments.DeleteAll(ctx, e.id)
		if err != nil {
			return err
		}
		if len(failed) > 0 {
			return fmt.Errorf("%d attachment blobs not removed", len(failed))
		}
		return nil
	})
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("purge attachments: %v", err))
	}

	// Fan the index removals out; each user entity serializes its own
	// turn. Every failure is reported, not just the first.
	var (
		group         errgroup.Group
		mu            sync.Mutex
		indexFailures []string
	)
	for participant := range e.participants {
		group.Go(func() error {
			if err := e.deps.Members.RemoveConversation(ctx, participant, e.id); err != nil {
				mu.Lock()
				indexFailures = append(indexFailures, fmt.Sprintf("index remove for %s: %v", participant, err))
				mu.Unlock()
			}
			return nil
		})
	}
	group.Wait()
	sort.Strings(indexFailures)
	warnings = append(warnings, indexFailures...)

	e.state = domain.StateDeleted
	e.participants = make(map[string]struct{})
	e.keys = make(map[keyRecordKey][]byte)
	e.topLevel = nil
	e.meta = make(map[string]*messageMeta)

	return DeleteResult{Warnings: warnings}, nil
}
