// Package service implements the conversation entity: the single-writer
// state machine owning one conversation's membership, key epochs,
// messages, threads, reactions, read receipts, and retention.
//
// Entities run under the registry's turn-based execution, so no method
// here takes a lock; every call observes and mutates state alone. Each
// operation checks caller identity first: the inbound interceptor only
// proves an identity was presented, not that it is authorized here.
package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/quietpost/quietpost/internal/auth"
	"github.com/quietpost/quietpost/internal/conversation/domain"
	apperrors "github.com/quietpost/quietpost/internal/platform/errors"
	"github.com/quietpost/quietpost/internal/platform/timeouts"
	"github.com/quietpost/quietpost/internal/storage"
)

// maxPageSize caps a single page of messages or replies.
const maxPageSize = 200

// MembershipIndex is the user-entity surface the conversation cascades
// into. Calls are idempotent on the receiving side.
type MembershipIndex interface {
	AddConversation(ctx context.Context, userID, conversationID string) error
	RemoveConversation(ctx context.Context, userID, conversationID string) error
}

// Deps holds the collaborators one conversation entity calls out to.
type Deps struct {
	Messages    storage.MessageStore
	Attachments storage.AttachmentStore
	Members     MembershipIndex
	Clock       func() time.Time
}

// keyRecordKey addresses one write-once encrypted key blob.
type keyRecordKey struct {
	userID     string
	keyVersion int
}

// messageMeta is the entity-owned index entry for one stored message.
// Ciphertext lives in the message store; ordering, threading, receipts,
// and reactions live here.
type messageMeta struct {
	senderID     string
	parentID     string
	attachmentID string
	createdAt    time.Time
	replyIDs     []string
	reads        map[string]struct{}
	reactions    map[string]map[string]struct{}
}

// Entity is one conversation's authoritative state.
type Entity struct {
	id   string
	deps Deps

	state             domain.State
	name              string
	createdBy         string
	createdAt         time.Time
	lastActivityAt    time.Time
	messageCount      int
	currentKeyVersion int
	retention         domain.RetentionPolicy

	participants map[string]struct{}
	keys         map[keyRecordKey][]byte
	topLevel     []string
	meta         map[string]*messageMeta
}

// New creates an uninitialized conversation entity for the given id.
func New(id string, deps Deps) *Entity {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Entity{
		id:           id,
		deps:         deps,
		participants: make(map[string]struct{}),
		keys:         make(map[keyRecordKey][]byte),
		meta:         make(map[string]*messageMeta),
	}
}

// requireCaller rejects calls carrying no identity.
func (e *Entity) requireCaller(caller auth.Identity) error {
	if caller.IsZero() {
		return apperrors.WithMetadata(apperrors.CodeIdentityMissing,
			"caller identity is required",
			map[string]string{"conversation_id": e.id})
	}
	return nil
}

// requireActive rejects calls outside the Active state.
func (e *Entity) requireActive() error {
	switch e.state {
	case domain.StateActive:
		return nil
	case domain.StateDeleted:
		return apperrors.WithMetadata(apperrors.CodeConversationDeleted,
			"conversation has been deleted",
			map[string]string{"conversation_id": e.id})
	default:
		return apperrors.WithMetadata(apperrors.CodeConversationNotInitialized,
			"conversation has not been created",
			map[string]string{"conversation_id": e.id})
	}
}

// requireParticipant rejects callers outside the participant set.
func (e *Entity) requireParticipant(caller auth.Identity) error {
	if err := e.requireCaller(caller); err != nil {
		return err
	}
	if _, ok := e.participants[caller.Subject]; !ok {
		return apperrors.WithMetadata(apperrors.CodeNotParticipant,
			"caller is not a participant",
			map[string]string{"conversation_id": e.id, "user_id": caller.Subject})
	}
	return nil
}

// requireSelf rejects callers acting on behalf of another user.
func (e *Entity) requireSelf(caller auth.Identity, userID string) error {
	if err := e.requireCaller(caller); err != nil {
		return err
	}
	if caller.Subject != userID {
		return apperrors.WithMetadata(apperrors.CodeCallerMismatch,
			"caller may only act for themself",
			map[string]string{"conversation_id": e.id, "caller": caller.Subject, "user_id": userID})
	}
	return nil
}

// withStore runs one collaborator call with a short timeout and at most
// one retry before surfacing a storage failure.
func (e *Entity) withStore(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeouts.StoreCall)
		defer cancel()
		return fn(callCtx)
	}

	err := attempt()
	if err == nil {
		return nil
	}
	// Not-found is a definitive answer, not an outage; retrying cannot
	// change it. Same for a caller that is already gone.
	if errors.Is(err, storage.ErrNotFound) || ctx.Err() != nil {
		return apperrors.Wrap(apperrors.CodeStorageUnavailable, op, err)
	}
	time.Sleep(timeouts.StoreRetryDelay)
	if err = attempt(); err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.CodeStorageUnavailable, op, err)
}

// details builds a read snapshot of the conversation metadata.
func (e *Entity) details() domain.Details {
	participants := make([]string, 0, len(e.participants))
	for participant := range e.participants {
		participants = append(participants, participant)
	}
	sort.Strings(participants)

	return domain.Details{
		ID:                e.id,
		Name:              e.name,
		Participants:      participants,
		CreatedBy:         e.createdBy,
		CreatedAt:         e.createdAt,
		LastActivityAt:    e.lastActivityAt,
		MessageCount:      e.messageCount,
		CurrentKeyVersion: e.currentKeyVersion,
		Retention:         e.retention,
	}
}

// messageView builds the read snapshot for one message record.
func (e *Entity) messageView(rec storage.MessageRecord) domain.Message {
	view := domain.Message{
		ID:             rec.MessageID,
		ConversationID: rec.ConversationID,
		SenderID:       rec.SenderID,
		ParentID:       rec.ParentID,
		Content:        rec.Content,
		AttachmentID:   rec.AttachmentID,
		CreatedAt:      rec.CreatedAt,
	}
	if m, ok := e.meta[rec.MessageID]; ok && len(m.replyIDs) > 0 {
		view.ReplyIDs = append([]string(nil), m.replyIDs...)
	}
	return view
}
