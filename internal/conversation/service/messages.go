package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/quietpost/quietpost/internal/auth"
	"github.com/quietpost/quietpost/internal/conversation/domain"
	"github.com/quietpost/quietpost/internal/conversation/policy"
	apperrors "github.com/quietpost/quietpost/internal/platform/errors"
	"github.com/quietpost/quietpost/internal/storage"
)

// AttachmentUpload carries one pre-encrypted attachment blob.
type AttachmentUpload struct {
	FileName    string
	ContentType string
	Nonce       []byte
	AuthTag     []byte
	KeyVersion  int
	Data        []byte
}

// PostMessageInput describes one message to post. AttachmentID, if set,
// must reference a previously uploaded attachment.
type PostMessageInput struct {
	SenderID     string
	ParentID     string
	Content      domain.EncryptedContent
	AttachmentID string
}

// UploadAttachment persists one encrypted attachment blob ahead of the
// message that references it.
func (e *Entity) UploadAttachment(ctx context.Context, caller auth.Identity, in AttachmentUpload) (storage.AttachmentRecord, error) {
	if err := e.requireActive(); err != nil {
		return storage.AttachmentRecord{}, err
	}
	if err := e.requireParticipant(caller); err != nil {
		return storage.AttachmentRecord{}, err
	}
	if len(in.Data) == 0 || len(in.Nonce) == 0 || len(in.AuthTag) == 0 || in.KeyVersion < 1 {
		return storage.AttachmentRecord{}, apperrors.WithMetadata(apperrors.CodeContentInvalid,
			"attachment data, nonce, auth tag, and key version are all required",
			map[string]string{"conversation_id": e.id})
	}

	var rec storage.AttachmentRecord
	err := e.withStore(ctx, "store attachment", func(ctx context.Context) error {
		var err error
		rec, err = e.deps.Attachments.Store(ctx, storage.StoreAttachmentInput{
			ConversationID: e.id,
			FileName:       in.FileName,
			ContentType:    in.ContentType,
			Nonce:          in.Nonce,
			AuthTag:        in.AuthTag,
			KeyVersion:     in.KeyVersion,
			Data:           in.Data,
		})
		return err
	})
	if err != nil {
		return storage.AttachmentRecord{}, err
	}
	return rec, nil
}

// PostResult is the outcome of a successful post. CurrentKeyVersion
// reflects any rotation the post itself triggered, so the sender learns
// about a volume-based epoch advance without a second call.
type PostResult struct {
	Message           domain.Message
	CurrentKeyVersion int
}

// PostMessage persists one encrypted message and indexes it. The blob
// is written to the store before any entity state changes, so a storage
// failure leaves the conversation exactly as it was.
func (e *Entity) PostMessage(ctx context.Context, caller auth.Identity, in PostMessageInput) (PostResult, error) {
	if err := e.requireActive(); err != nil {
		return PostResult{}, err
	}
	if err := e.requireSelf(caller, in.SenderID); err != nil {
		return PostResult{}, err
	}
	if err := e.requireParticipant(caller); err != nil {
		return PostResult{}, err
	}
	if err := domain.ValidateContent(in.Content); err != nil {
		return PostResult{}, apperrors.WithMetadata(apperrors.CodeContentInvalid,
			err.Error(), map[string]string{"conversation_id": e.id})
	}
	if in.Content.KeyVersion > e.currentKeyVersion {
		return PostResult{}, apperrors.WithMetadata(apperrors.CodeKeyVersionInvalid,
			"content key version is ahead of the conversation's epoch",
			map[string]string{
				"conversation_id":     e.id,
				"key_version":         strconv.Itoa(in.Content.KeyVersion),
				"current_key_version": strconv.Itoa(e.currentKeyVersion),
			})
	}
	if in.ParentID != "" {
		parent, ok := e.meta[in.ParentID]
		if !ok {
			return PostResult{}, apperrors.WithMetadata(apperrors.CodeMessageNotFound,
				"parent message not found",
				map[string]string{"conversation_id": e.id, "message_id": in.ParentID})
		}
		// Threads are one level deep.
		if parent.parentID != "" {
			return PostResult{}, apperrors.WithMetadata(apperrors.CodeContentInvalid,
				"cannot reply to a reply",
				map[string]string{"conversation_id": e.id, "message_id": in.ParentID})
		}
	}

	if in.AttachmentID != "" {
		err := e.withStore(ctx, "check attachment", func(ctx context.Context) error {
			_, err := e.deps.Attachments.Get(ctx, e.id, in.AttachmentID)
			return err
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return PostResult{}, apperrors.WithMetadata(apperrors.CodeAttachmentNotFound,
					"attachment not found",
					map[string]string{"conversation_id": e.id, "attachment_id": in.AttachmentID})
			}
			return PostResult{}, err
		}
	}

	var rec storage.MessageRecord
	err := e.withStore(ctx, "store message", func(ctx context.Context) error {
		var err error
		rec, err = e.deps.Messages.Store(ctx, storage.StoreMessageInput{
			ConversationID: e.id,
			SenderID:       in.SenderID,
			ParentID:       in.ParentID,
			Content:        in.Content,
			AttachmentID:   in.AttachmentID,
		})
		return err
	})
	if err != nil {
		return PostResult{}, err
	}

	e.meta[rec.MessageID] = &messageMeta{
		senderID:     rec.SenderID,
		parentID:     rec.ParentID,
		attachmentID: rec.AttachmentID,
		createdAt:    rec.CreatedAt,
	}
	if rec.ParentID == "" {
		e.topLevel = append(e.topLevel, rec.MessageID)
	} else {
		parent := e.meta[rec.ParentID]
		parent.replyIDs = append(parent.replyIDs, rec.MessageID)
	}
	e.messageCount++
	e.lastActivityAt = rec.CreatedAt

	if policy.ShouldRotate(policy.TriggerMessageVolume, e.messageCount) {
		e.currentKeyVersion++
		log.Printf("conversation %s: key epoch advanced to %d after %d messages",
			e.id, e.currentKeyVersion, e.messageCount)
	}

	return PostResult{Message: e.messageView(rec), CurrentKeyVersion: e.currentKeyVersion}, nil
}

// Page is one window of messages plus the size of the full sequence it
// was cut from.
type Page struct {
	Messages []domain.Message
	Total    int
}

// GetMessages returns a page of top-level messages in creation order.
func (e *Entity) GetMessages(ctx context.Context, caller auth.Identity, skip, take int) (Page, error) {
	if err := e.requireActive(); err != nil {
		return Page{}, err
	}
	if err := e.requireParticipant(caller); err != nil {
		return Page{}, err
	}
	if err := validatePage(skip, take); err != nil {
		return Page{}, err
	}
	take = min(take, maxPageSize)

	// topLevel is append-only in creation order.
	total := len(e.topLevel)
	var ids []string
	if skip < total {
		end := min(skip+take, total)
		ids = e.topLevel[skip:end]
	}

	messages, err := e.fetchViews(ctx, ids)
	if err != nil {
		return Page{}, err
	}
	return Page{Messages: messages, Total: total}, nil
}

// GetMessageReplies returns an oldest-first page of one thread's replies.
func (e *Entity) GetMessageReplies(ctx context.Context, caller auth.Identity, parentID string, skip, take int) (Page, error) {
	if err := e.requireActive(); err != nil {
		return Page{}, err
	}
	if err := e.requireParticipant(caller); err != nil {
		return Page{}, err
	}
	if err := validatePage(skip, take); err != nil {
		return Page{}, err
	}
	take = min(take, maxPageSize)

	parent, ok := e.meta[parentID]
	if !ok {
		return Page{}, apperrors.WithMetadata(apperrors.CodeMessageNotFound,
			"message not found",
			map[string]string{"conversation_id": e.id, "message_id": parentID})
	}

	total := len(parent.replyIDs)
	var ids []string
	if skip < total {
		end := min(skip+take, total)
		ids = parent.replyIDs[skip:end]
	}

	messages, err := e.fetchViews(ctx, ids)
	if err != nil {
		return Page{}, err
	}
	return Page{Messages: messages, Total: total}, nil
}

// PurgeResult reports one retention sweep over a conversation.
type PurgeResult struct {
	Purged   int
	Warnings []string
}

// PurgeExpired removes messages older than the conversation's retention
// window as of the given instant. A top-level message is only eligible
// once every reply under it is also past the window, so a live thread
// keeps its root; the next sweep picks it up. Blob deletions that fail
// keep their index entries and are retried on the following sweep.
// MessageCount is an all-time counter and is not decremented.
func (e *Entity) PurgeExpired(ctx context.Context, caller auth.Identity, asOf time.Time) (PurgeResult, error) {
	if err := e.requireActive(); err != nil {
		return PurgeResult{}, err
	}
	if err := e.requireCaller(caller); err != nil {
		return PurgeResult{}, err
	}

	cutoff := asOf.Add(-e.retention.Duration())
	expired := func(id string) bool {
		return e.meta[id].createdAt.Before(cutoff)
	}

	var purgeIDs []string
	for _, id := range e.topLevel {
		m := e.meta[id]
		threadExpired := expired(id)
		for _, replyID := range m.replyIDs {
			if expired(replyID) {
				purgeIDs = append(purgeIDs, replyID)
			} else {
				threadExpired = false
			}
		}
		if threadExpired {
			purgeIDs = append(purgeIDs, id)
		}
	}
	if len(purgeIDs) == 0 {
		return PurgeResult{}, nil
	}

	var warnings []string
	failed := make(map[string]struct{})
	err := e.withStore(ctx, "purge messages", func(ctx context.Context) error {
		notDeleted, err := e.deps.Messages.DeleteMany(ctx, e.id, purgeIDs)
		for _, id := range notDeleted {
			failed[id] = struct{}{}
		}
		return err
	})
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("purge messages: %v", err))
		// The store call failed outright; retry everything next sweep.
		if len(failed) == 0 {
			return PurgeResult{Warnings: warnings}, nil
		}
	}

	purged := 0
	removed := make(map[string]struct{})
	for _, id := range purgeIDs {
		if _, stillThere := failed[id]; stillThere {
			continue
		}
		m := e.meta[id]
		if m.attachmentID != "" {
			if err := e.deps.Attachments.Delete(ctx, e.id, m.attachmentID); err != nil {
				warnings = append(warnings, fmt.Sprintf("attachment %s: %v", m.attachmentID, err))
			}
		}
		delete(e.meta, id)
		removed[id] = struct{}{}
		purged++
	}

	e.topLevel = pruneIDs(e.topLevel, removed)
	for _, m := range e.meta {
		m.replyIDs = pruneIDs(m.replyIDs, removed)
	}

	return PurgeResult{Purged: purged, Warnings: warnings}, nil
}

// fetchViews loads records for the given ids and returns views in the
// same order. Ids whose blobs have vanished are skipped.
func (e *Entity) fetchViews(ctx context.Context, ids []string) ([]domain.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var records []storage.MessageRecord
	err := e.withStore(ctx, "load messages", func(ctx context.Context) error {
		var err error
		records, err = e.deps.Messages.GetByIDs(ctx, e.id, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	views := make([]domain.Message, 0, len(records))
	for _, rec := range records {
		views = append(views, e.messageView(rec))
	}
	return views, nil
}

func validatePage(skip, take int) error {
	if skip < 0 || take <= 0 {
		return apperrors.WithMetadata(apperrors.CodePaginationInvalid,
			"skip must be non-negative and take positive",
			map[string]string{"skip": strconv.Itoa(skip), "take": strconv.Itoa(take)})
	}
	return nil
}

func pruneIDs(ids []string, removed map[string]struct{}) []string {
	kept := ids[:0]
	for _, id := range ids {
		if _, gone := removed[id]; !gone {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
