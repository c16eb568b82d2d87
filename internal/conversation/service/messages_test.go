package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quietpost/quietpost/internal/conversation/domain"
	"github.com/quietpost/quietpost/internal/conversation/policy"
	apperrors "github.com/quietpost/quietpost/internal/platform/errors"
)

func TestPostMessage(t *testing.T) {
	te := newActiveEntity()

	result, err := te.post(alice, "")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if result.Message.ID == "" {
		t.Fatal("expected a store-allocated message id")
	}
	if result.Message.SenderID != "alice" {
		t.Fatalf("expected sender alice, got %q", result.Message.SenderID)
	}
	if result.CurrentKeyVersion != 1 {
		t.Fatalf("expected key version 1, got %d", result.CurrentKeyVersion)
	}
	if _, ok := te.messages.records[result.Message.ID]; !ok {
		t.Fatal("expected blob persisted in the store")
	}

	details, err := te.entity.GetDetails(context.Background(), alice)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if details.MessageCount != 1 {
		t.Fatalf("expected message count 1, got %d", details.MessageCount)
	}
	if !details.LastActivityAt.Equal(result.Message.CreatedAt) {
		t.Fatalf("expected last activity %v, got %v", result.Message.CreatedAt, details.LastActivityAt)
	}
}

func TestPostMessageThreading(t *testing.T) {
	te := newActiveEntity()

	parent, err := te.post(alice, "")
	if err != nil {
		t.Fatalf("post parent: %v", err)
	}
	reply, err := te.post(bob, parent.Message.ID)
	if err != nil {
		t.Fatalf("post reply: %v", err)
	}

	page, err := te.entity.GetMessageReplies(context.Background(), alice, parent.Message.ID, 0, 10)
	if err != nil {
		t.Fatalf("replies: %v", err)
	}
	if page.Total != 1 || page.Messages[0].ID != reply.Message.ID {
		t.Fatalf("expected the reply back, got %+v", page)
	}

	// Threads are one level deep.
	if _, err := te.post(alice, reply.Message.ID); !apperrors.IsCode(err, apperrors.CodeContentInvalid) {
		t.Fatalf("expected reply-to-reply rejected, got %v", err)
	}
	if _, err := te.post(alice, "missing"); !apperrors.IsCode(err, apperrors.CodeMessageNotFound) {
		t.Fatalf("expected message not found, got %v", err)
	}
}

func TestPostMessageValidation(t *testing.T) {
	te := newActiveEntity()
	ctx := context.Background()

	tests := []struct {
		name string
		in   PostMessageInput
		code apperrors.Code
	}{
		{
			name: "sender is not the caller",
			in:   PostMessageInput{SenderID: "bob", Content: testContent(1)},
			code: apperrors.CodeCallerMismatch,
		},
		{
			name: "missing ciphertext",
			in: PostMessageInput{SenderID: "alice", Content: domain.EncryptedContent{
				Nonce: []byte("n"), AuthTag: []byte("t"), KeyVersion: 1,
			}},
			code: apperrors.CodeContentInvalid,
		},
		{
			name: "key version ahead of epoch",
			in:   PostMessageInput{SenderID: "alice", Content: testContent(2)},
			code: apperrors.CodeKeyVersionInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := te.entity.PostMessage(ctx, alice, tt.in); !apperrors.IsCode(err, tt.code) {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
		})
	}

	if _, err := te.post(carol, ""); !apperrors.IsCode(err, apperrors.CodeNotParticipant) {
		t.Fatalf("expected not participant, got %v", err)
	}
}

func TestPostMessageStoreFailure(t *testing.T) {
	te := newActiveEntity()
	te.messages.storeErr = errors.New("disk full")

	if _, err := te.post(alice, ""); !apperrors.IsCode(err, apperrors.CodeStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}

	// A failed post leaves the conversation untouched.
	te.messages.storeErr = nil
	details, err := te.entity.GetDetails(context.Background(), alice)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if details.MessageCount != 0 {
		t.Fatalf("expected message count 0 after failed post, got %d", details.MessageCount)
	}
}

func TestPostMessageRetriesTransientStoreFailure(t *testing.T) {
	te := newActiveEntity()
	te.messages.storeErrs = []error{errors.New("connection reset")}

	if _, err := te.post(alice, ""); err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}
}

func TestPostMessageStoreFailureWrapsLastError(t *testing.T) {
	te := newActiveEntity()
	first := errors.New("connection reset")
	second := errors.New("disk full")
	te.messages.storeErrs = []error{first, second}

	_, err := te.post(alice, "")
	if !apperrors.IsCode(err, apperrors.CodeStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	if !errors.Is(err, second) {
		t.Fatalf("expected the retry's error in the chain, got %v", err)
	}
	if errors.Is(err, first) {
		t.Fatalf("expected the first attempt's error superseded, got %v", err)
	}
}

func TestPostMessageVolumeRotation(t *testing.T) {
	te := newActiveEntity()

	var last PostResult
	var err error
	for i := 0; i < policy.MessagesPerRotation-1; i++ {
		if last, err = te.post(alice, ""); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	if last.CurrentKeyVersion != 1 {
		t.Fatalf("expected no rotation before the interval, got version %d", last.CurrentKeyVersion)
	}

	last, err = te.post(bob, "")
	if err != nil {
		t.Fatalf("interval post: %v", err)
	}
	if last.CurrentKeyVersion != 2 {
		t.Fatalf("expected rotation at message %d, got version %d", policy.MessagesPerRotation, last.CurrentKeyVersion)
	}

	// Messages sealed under the previous epoch are still accepted.
	if _, err := te.post(alice, ""); err != nil {
		t.Fatalf("post under old epoch: %v", err)
	}
}

func TestPostMessageWithAttachment(t *testing.T) {
	te := newActiveEntity()
	ctx := context.Background()

	upload := AttachmentUpload{
		FileName:    "photo.jpg.enc",
		ContentType: "application/octet-stream",
		Nonce:       []byte("nonce"),
		AuthTag:     []byte("tag"),
		KeyVersion:  1,
		Data:        []byte("sealed-bytes"),
	}
	attachment, err := te.entity.UploadAttachment(ctx, alice, upload)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	result, err := te.entity.PostMessage(ctx, alice, PostMessageInput{
		SenderID:     "alice",
		Content:      testContent(1),
		AttachmentID: attachment.AttachmentID,
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if result.Message.AttachmentID != attachment.AttachmentID {
		t.Fatalf("expected attachment id %s on the message, got %q", attachment.AttachmentID, result.Message.AttachmentID)
	}

	rec, err := te.entity.GetAttachment(ctx, bob, attachment.AttachmentID)
	if err != nil {
		t.Fatalf("get attachment: %v", err)
	}
	if rec.Meta.FileName != upload.FileName || string(rec.Data) != "sealed-bytes" {
		t.Fatalf("unexpected attachment record %+v", rec)
	}
}

func TestUploadAttachmentValidation(t *testing.T) {
	te := newActiveEntity()
	ctx := context.Background()

	if _, err := te.entity.UploadAttachment(ctx, alice, AttachmentUpload{
		Nonce: []byte("n"), AuthTag: []byte("t"), KeyVersion: 1,
	}); !apperrors.IsCode(err, apperrors.CodeContentInvalid) {
		t.Fatalf("expected content invalid, got %v", err)
	}
	if _, err := te.entity.UploadAttachment(ctx, carol, AttachmentUpload{
		Nonce: []byte("n"), AuthTag: []byte("t"), KeyVersion: 1, Data: []byte("d"),
	}); !apperrors.IsCode(err, apperrors.CodeNotParticipant) {
		t.Fatalf("expected not participant, got %v", err)
	}
}

func TestPostMessageAttachmentNotFound(t *testing.T) {
	te := newActiveEntity()

	_, err := te.entity.PostMessage(context.Background(), alice, PostMessageInput{
		SenderID:     "alice",
		Content:      testContent(1),
		AttachmentID: "missing",
	})
	if !apperrors.IsCode(err, apperrors.CodeAttachmentNotFound) {
		t.Fatalf("expected attachment not found, got %v", err)
	}
	// Not-found is definitive; the store must not be asked again.
	if te.attachments.getCalls != 1 {
		t.Fatalf("expected a single attachment lookup, got %d", te.attachments.getCalls)
	}
	details, err := te.entity.GetDetails(context.Background(), alice)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if details.MessageCount != 0 {
		t.Fatalf("expected no message recorded, got count %d", details.MessageCount)
	}
}

func TestGetMessages(t *testing.T) {
	te := newActiveEntity()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		result, err := te.post(alice, "")
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		ids = append(ids, result.Message.ID)
	}

	page, err := te.entity.GetMessages(ctx, bob, 0, 2)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if page.Total != 5 {
		t.Fatalf("expected total 5, got %d", page.Total)
	}
	if len(page.Messages) != 2 || page.Messages[0].ID != ids[0] || page.Messages[1].ID != ids[1] {
		t.Fatalf("expected creation-order page [%s %s], got %+v", ids[0], ids[1], page.Messages)
	}

	page, err = te.entity.GetMessages(ctx, bob, 4, 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != ids[4] {
		t.Fatalf("expected the newest message, got %+v", page.Messages)
	}

	page, err = te.entity.GetMessages(ctx, bob, 100, 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(page.Messages) != 0 {
		t.Fatalf("expected empty page past the end, got %+v", page.Messages)
	}
}

func TestPaginationValidation(t *testing.T) {
	te := newActiveEntity()
	ctx := context.Background()

	tests := []struct {
		name string
		skip int
		take int
	}{
		{name: "negative skip", skip: -1, take: 10},
		{name: "zero take", skip: 0, take: 0},
		{name: "negative take", skip: 0, take: -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := te.entity.GetMessages(ctx, alice, tt.skip, tt.take); !apperrors.IsCode(err, apperrors.CodePaginationInvalid) {
				t.Fatalf("expected pagination invalid, got %v", err)
			}
		})
	}
}

func TestGetMessageReplies(t *testing.T) {
	te := newActiveEntity()
	ctx := context.Background()

	parent, err := te.post(alice, "")
	if err != nil {
		t.Fatalf("post parent: %v", err)
	}
	var replyIDs []string
	for i := 0; i < 3; i++ {
		reply, err := te.post(bob, parent.Message.ID)
		if err != nil {
			t.Fatalf("post reply %d: %v", i, err)
		}
		replyIDs = append(replyIDs, reply.Message.ID)
	}

	// Replies come back oldest first.
	page, err := te.entity.GetMessageReplies(ctx, alice, parent.Message.ID, 1, 10)
	if err != nil {
		t.Fatalf("replies: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("expected total 3, got %d", page.Total)
	}
	if len(page.Messages) != 2 || page.Messages[0].ID != replyIDs[1] || page.Messages[1].ID != replyIDs[2] {
		t.Fatalf("expected oldest-first page [%s %s], got %+v", replyIDs[1], replyIDs[2], page.Messages)
	}

	if _, err := te.entity.GetMessageReplies(ctx, alice, "missing", 0, 10); !apperrors.IsCode(err, apperrors.CodeMessageNotFound) {
		t.Fatalf("expected message not found, got %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	te := newActiveEntity()
	ctx := context.Background()

	// An old thread that will expire entirely, with an attachment.
	attachment, err := te.entity.UploadAttachment(ctx, alice, AttachmentUpload{
		Nonce: []byte("n"), AuthTag: []byte("t"), KeyVersion: 1, Data: []byte("d"),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	oldParent, err := te.entity.PostMessage(ctx, alice, PostMessageInput{
		SenderID:     "alice",
		Content:      testContent(1),
		AttachmentID: attachment.AttachmentID,
	})
	if err != nil {
		t.Fatalf("post old parent: %v", err)
	}
	oldReply, err := te.post(bob, oldParent.Message.ID)
	if err != nil {
		t.Fatalf("post old reply: %v", err)
	}

	// A thread whose root is old but holds a fresh reply.
	liveParent, err := te.post(alice, "")
	if err != nil {
		t.Fatalf("post live parent: %v", err)
	}
	te.clock.Advance(25 * time.Hour)
	freshReply, err := te.post(bob, liveParent.Message.ID)
	if err != nil {
		t.Fatalf("post fresh reply: %v", err)
	}

	result, err := te.entity.PurgeExpired(ctx, alice, te.clock.Now())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if result.Purged != 2 {
		t.Fatalf("expected 2 messages purged, got %d", result.Purged)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", result.Warnings)
	}
	for _, id := range []string{oldParent.Message.ID, oldReply.Message.ID} {
		if _, ok := te.messages.records[id]; ok {
			t.Fatalf("expected blob %s purged", id)
		}
	}
	if len(te.attachments.records) != 0 {
		t.Fatal("expected the purged message's attachment removed")
	}

	// The live thread keeps its expired root.
	page, err := te.entity.GetMessages(ctx, alice, 0, 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if page.Total != 1 || page.Messages[0].ID != liveParent.Message.ID {
		t.Fatalf("expected only the live parent, got %+v", page.Messages)
	}
	replies, err := te.entity.GetMessageReplies(ctx, alice, liveParent.Message.ID, 0, 10)
	if err != nil {
		t.Fatalf("replies: %v", err)
	}
	if replies.Total != 1 || replies.Messages[0].ID != freshReply.Message.ID {
		t.Fatalf("expected the fresh reply retained, got %+v", replies.Messages)
	}

	// MessageCount is an all-time counter.
	details, err := te.entity.GetDetails(ctx, alice)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if details.MessageCount != 4 {
		t.Fatalf("expected message count 4 after purge, got %d", details.MessageCount)
	}

	// A second sweep with nothing expired is a no-op.
	result, err = te.entity.PurgeExpired(ctx, alice, te.clock.Now())
	if err != nil {
		t.Fatalf("second purge: %v", err)
	}
	if result.Purged != 0 {
		t.Fatalf("expected nothing purged, got %d", result.Purged)
	}
}

func TestPurgeExpiredRetriesFailedBlobs(t *testing.T) {
	te := newActiveEntity()
	ctx := context.Background()

	result, err := te.post(alice, "")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	te.clock.Advance(25 * time.Hour)
	te.messages.undeletable = []string{result.Message.ID}

	purge, err := te.entity.PurgeExpired(ctx, alice, te.clock.Now())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purge.Purged != 0 {
		t.Fatalf("expected nothing purged while the blob sticks, got %d", purge.Purged)
	}

	// Once the store recovers, the next sweep picks the message up again.
	te.messages.undeletable = nil
	purge, err = te.entity.PurgeExpired(ctx, alice, te.clock.Now())
	if err != nil {
		t.Fatalf("retry purge: %v", err)
	}
	if purge.Purged != 1 {
		t.Fatalf("expected 1 message purged on retry, got %d", purge.Purged)
	}
}
