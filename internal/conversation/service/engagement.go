package service

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/quietpost/quietpost/internal/auth"
	"github.com/quietpost/quietpost/internal/conversation/domain"
	apperrors "github.com/quietpost/quietpost/internal/platform/errors"
	"github.com/quietpost/quietpost/internal/storage"
)

// MarkMessageAsRead records that the caller has seen a message. Marking
// twice is a no-op.
func (e *Entity) MarkMessageAsRead(ctx context.Context, caller auth.Identity, userID, messageID string) error {
	if err := e.requireActive(); err != nil {
		return err
	}
	if err := e.requireSelf(caller, userID); err != nil {
		return err
	}
	if err := e.requireParticipant(caller); err != nil {
		return err
	}

	m, err := e.requireMessage(messageID)
	if err != nil {
		return err
	}
	if m.reads == nil {
		m.reads = make(map[string]struct{})
	}
	m.reads[userID] = struct{}{}
	return nil
}

// GetMessageReadReceipts returns who has seen a message, sorted by user
// id.
func (e *Entity) GetMessageReadReceipts(ctx context.Context, caller auth.Identity, messageID string) (domain.ReadReceipts, error) {
	if err := e.requireActive(); err != nil {
		return domain.ReadReceipts{}, err
	}
	if err := e.requireParticipant(caller); err != nil {
		return domain.ReadReceipts{}, err
	}

	m, err := e.requireMessage(messageID)
	if err != nil {
		return domain.ReadReceipts{}, err
	}
	userIDs := make([]string, 0, len(m.reads))
	for userID := range m.reads {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)
	return domain.ReadReceipts{MessageID: messageID, UserIDs: userIDs}, nil
}

// ToggleReaction flips the caller's emoji reaction on a message and
// reports whether the reaction is now present.
func (e *Entity) ToggleReaction(ctx context.Context, caller auth.Identity, userID, messageID, emoji string) (bool, error) {
	if err := e.requireActive(); err != nil {
		return false, err
	}
	if err := e.requireSelf(caller, userID); err != nil {
		return false, err
	}
	if err := e.requireParticipant(caller); err != nil {
		return false, err
	}
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return false, apperrors.WithMetadata(apperrors.CodeContentInvalid,
			"emoji is required",
			map[string]string{"conversation_id": e.id, "message_id": messageID})
	}

	m, err := e.requireMessage(messageID)
	if err != nil {
		return false, err
	}
	if m.reactions == nil {
		m.reactions = make(map[string]map[string]struct{})
	}
	users := m.reactions[emoji]
	if _, reacted := users[userID]; reacted {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.reactions, emoji)
		}
		return false, nil
	}
	if users == nil {
		users = make(map[string]struct{})
		m.reactions[emoji] = users
	}
	users[userID] = struct{}{}
	return true, nil
}

// GetMessageReactions returns a message's reactions grouped by emoji,
// with user ids sorted.
func (e *Entity) GetMessageReactions(ctx context.Context, caller auth.Identity, messageID string) (domain.Reactions, error) {
	if err := e.requireActive(); err != nil {
		return domain.Reactions{}, err
	}
	if err := e.requireParticipant(caller); err != nil {
		return domain.Reactions{}, err
	}

	m, err := e.requireMessage(messageID)
	if err != nil {
		return domain.Reactions{}, err
	}
	byEmoji := make(map[string][]string, len(m.reactions))
	for emoji, users := range m.reactions {
		userIDs := make([]string, 0, len(users))
		for userID := range users {
			userIDs = append(userIDs, userID)
		}
		sort.Strings(userIDs)
		byEmoji[emoji] = userIDs
	}
	return domain.Reactions{MessageID: messageID, ByEmoji: byEmoji}, nil
}

// GetAttachment returns one attachment's encrypted bytes and metadata.
func (e *Entity) GetAttachment(ctx context.Context, caller auth.Identity, attachmentID string) (storage.AttachmentRecord, error) {
	if err := e.requireActive(); err != nil {
		return storage.AttachmentRecord{}, err
	}
	if err := e.requireParticipant(caller); err != nil {
		return storage.AttachmentRecord{}, err
	}

	var rec storage.AttachmentRecord
	err := e.withStore(ctx, "load attachment", func(ctx context.Context) error {
		var err error
		rec, err = e.deps.Attachments.Get(ctx, e.id, attachmentID)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.AttachmentRecord{}, apperrors.WithMetadata(apperrors.CodeAttachmentNotFound,
				"attachment not found",
				map[string]string{"conversation_id": e.id, "attachment_id": attachmentID})
		}
		return storage.AttachmentRecord{}, err
	}
	return rec, nil
}

// requireMessage resolves one indexed message or fails with not-found.
func (e *Entity) requireMessage(messageID string) (*messageMeta, error) {
	m, ok := e.meta[messageID]
	if !ok {
		return nil, apperrors.WithMetadata(apperrors.CodeMessageNotFound,
			"message not found",
			map[string]string{"conversation_id": e.id, "message_id": messageID})
	}
	return m, nil
}
