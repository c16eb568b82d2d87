// Package bbolt implements the attachment store over BoltDB.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/quietpost/quietpost/internal/platform/id"
	"github.com/quietpost/quietpost/internal/storage"
)

const attachmentBucket = "attachment"

// keySeparator joins conversation and attachment ids into one bucket key.
// Generated ids are base32 and never contain it.
const keySeparator = "/"

// Store provides a BoltDB-backed attachment store.
type Store struct {
	db          *bbolt.DB
	clock       func() time.Time
	idGenerator func() (string, error)
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{
		db:          db,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ensureBuckets creates the attachment bucket if missing.
func (s *Store) ensureBuckets() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(attachmentBucket))
		return err
	})
	if err != nil {
		return fmt.Errorf("ensure attachment bucket: %w", err)
	}
	return nil
}

// attachmentKey builds the composite bucket key for one attachment.
func attachmentKey(conversationID, attachmentID string) []byte {
	return []byte(conversationID + keySeparator + attachmentID)
}

// conversationPrefix builds the bucket key prefix for one conversation.
func conversationPrefix(conversationID string) []byte {
	return []byte(conversationID + keySeparator)
}

// storedAttachment is the JSON encoding of one attachment record.
type storedAttachment struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Nonce       []byte `json:"nonce"`
	AuthTag     []byte `json:"auth_tag"`
	KeyVersion  int    `json:"key_version"`
	UploadedAt  int64  `json:"uploaded_at"`
	Data        []byte `json:"data"`
}

// Store persists one attachment blob and allocates its id.
func (s *Store) Store(ctx context.Context, in storage.StoreAttachmentInput) (storage.AttachmentRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.AttachmentRecord{}, err
	}
	if s == nil || s.db == nil {
		return storage.AttachmentRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(in.ConversationID) == "" {
		return storage.AttachmentRecord{}, fmt.Errorf("conversation id is required")
	}
	if len(in.Data) == 0 {
		return storage.AttachmentRecord{}, fmt.Errorf("attachment data is required")
	}

	attachmentID, err := s.idGenerator()
	if err != nil {
		return storage.AttachmentRecord{}, fmt.Errorf("generate attachment id: %w", err)
	}
	uploadedAt := s.clock().UTC()

	encoded, err := json.Marshal(storedAttachment{
		FileName:    in.FileName,
		ContentType: in.ContentType,
		SizeBytes:   int64(len(in.Data)),
		Nonce:       in.Nonce,
		AuthTag:     in.AuthTag,
		KeyVersion:  in.KeyVersion,
		UploadedAt:  uploadedAt.UnixMilli(),
		Data:        in.Data,
	})
	if err != nil {
		return storage.AttachmentRecord{}, fmt.Errorf("encode attachment: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(attachmentBucket))
		if bucket == nil {
			return fmt.Errorf("attachment bucket is missing")
		}
		return bucket.Put(attachmentKey(in.ConversationID, attachmentID), encoded)
	})
	if err != nil {
		return storage.AttachmentRecord{}, fmt.Errorf("put attachment: %w", err)
	}

	return storage.AttachmentRecord{
		AttachmentID:   attachmentID,
		ConversationID: in.ConversationID,
		Meta: storage.AttachmentMeta{
			FileName:    in.FileName,
			ContentType: in.ContentType,
			SizeBytes:   int64(len(in.Data)),
			Nonce:       in.Nonce,
			AuthTag:     in.AuthTag,
			KeyVersion:  in.KeyVersion,
			UploadedAt:  uploadedAt,
		},
		Data: in.Data,
	}, nil
}

// Get fetches one attachment blob.
func (s *Store) Get(ctx context.Context, conversationID, attachmentID string) (storage.AttachmentRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.AttachmentRecord{}, err
	}
	if s == nil || s.db == nil {
		return storage.AttachmentRecord{}, fmt.Errorf("storage is not configured")
	}

	var encoded []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(attachmentBucket))
		if bucket == nil {
			return fmt.Errorf("attachment bucket is missing")
		}
		value := bucket.Get(attachmentKey(conversationID, attachmentID))
		if value == nil {
			return storage.ErrNotFound
		}
		encoded = append([]byte(nil), value...)
		return nil
	})
	if err != nil {
		return storage.AttachmentRecord{}, err
	}

	var stored storedAttachment
	if err := json.Unmarshal(encoded, &stored); err != nil {
		return storage.AttachmentRecord{}, fmt.Errorf("decode attachment: %w", err)
	}

	return storage.AttachmentRecord{
		AttachmentID:   attachmentID,
		ConversationID: conversationID,
		Meta: storage.AttachmentMeta{
			FileName:    stored.FileName,
			ContentType: stored.ContentType,
			SizeBytes:   stored.SizeBytes,
			Nonce:       stored.Nonce,
			AuthTag:     stored.AuthTag,
			KeyVersion:  stored.KeyVersion,
			UploadedAt:  time.UnixMilli(stored.UploadedAt).UTC(),
		},
		Data: stored.Data,
	}, nil
}

// Delete removes one attachment blob.
func (s *Store) Delete(ctx context.Context, conversationID, attachmentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(attachmentBucket))
		if bucket == nil {
			return fmt.Errorf("attachment bucket is missing")
		}
		return bucket.Delete(attachmentKey(conversationID, attachmentID))
	})
}

// DeleteAll removes every attachment for a conversation best-effort and
// returns the ids it could not delete.
func (s *Store) DeleteAll(ctx context.Context, conversationID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	prefix := conversationPrefix(conversationID)
	var failed []string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(attachmentBucket))
		if bucket == nil {
			return fmt.Errorf("attachment bucket is missing")
		}

		cursor := bucket.Cursor()
		var keys [][]byte
		for key, _ := cursor.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, _ = cursor.Next() {
			keys = append(keys, append([]byte(nil), key...))
		}
		for _, key := range keys {
			if err := bucket.Delete(key); err != nil {
				failed = append(failed, strings.TrimPrefix(string(key), string(prefix)))
			}
		}
		return nil
	})
	if err != nil {
		return failed, fmt.Errorf("delete attachments: %w", err)
	}
	if len(failed) > 0 {
		return failed, fmt.Errorf("delete attachments: %d blobs not removed", len(failed))
	}
	return nil, nil
}

var _ storage.AttachmentStore = (*Store)(nil)
