// Package sqlite implements the message store over SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quietpost/quietpost/internal/platform/id"
	sqlitemigrate "github.com/quietpost/quietpost/internal/platform/storage/sqlitemigrate"
	"github.com/quietpost/quietpost/internal/storage"
	"github.com/quietpost/quietpost/internal/storage/sqlite/migrations"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements message persistence over SQLite.
//
// A single SQLite file backs every conversation's message blobs; the
// (conversation_id, message_id) primary key keeps blobs addressable per
// conversation.
type Store struct {
	sqlDB       *sql.DB
	clock       func() time.Time
	idGenerator func() (string, error)
}

// Open opens a message SQLite store and applies bundled migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		sqlDB:       sqlDB,
		clock:       time.Now,
		idGenerator: id.NewID,
	}, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Store persists one encrypted message blob and allocates its id.
func (s *Store) Store(ctx context.Context, in storage.StoreMessageInput) (storage.MessageRecord, error) {
	if s == nil || s.sqlDB == nil {
		return storage.MessageRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(in.ConversationID) == "" {
		return storage.MessageRecord{}, fmt.Errorf("conversation id is required")
	}
	if strings.TrimSpace(in.SenderID) == "" {
		return storage.MessageRecord{}, fmt.Errorf("sender id is required")
	}
	if len(in.Content.Ciphertext) == 0 {
		return storage.MessageRecord{}, fmt.Errorf("ciphertext is required")
	}

	messageID, err := s.idGenerator()
	if err != nil {
		return storage.MessageRecord{}, fmt.Errorf("generate message id: %w", err)
	}
	createdAt := s.clock().UTC()

	const insertSQL = `
INSERT INTO messages (
    conversation_id, message_id, sender_id, parent_id,
    ciphertext, nonce, auth_tag, key_version, attachment_id, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.sqlDB.ExecContext(ctx, insertSQL,
		in.ConversationID,
		messageID,
		in.SenderID,
		in.ParentID,
		in.Content.Ciphertext,
		in.Content.Nonce,
		in.Content.AuthTag,
		in.Content.KeyVersion,
		in.AttachmentID,
		toMillis(createdAt),
	)
	if err != nil {
		return storage.MessageRecord{}, fmt.Errorf("insert message: %w", err)
	}

	return storage.MessageRecord{
		MessageID:      messageID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		ParentID:       in.ParentID,
		Content:        in.Content,
		AttachmentID:   in.AttachmentID,
		CreatedAt:      createdAt,
	}, nil
}

// GetByIDs fetches message blobs for a conversation, preserving the order
// of the requested ids. Missing ids are skipped, not errors.
func (s *Store) GetByIDs(ctx context.Context, conversationID string, ids []string) ([]storage.MessageRecord, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf(`
SELECT message_id, sender_id, parent_id, ciphertext, nonce, auth_tag,
       key_version, attachment_id, created_at
FROM messages
WHERE conversation_id = ? AND message_id IN (%s);
`, placeholders)

	args := make([]any, 0, len(ids)+1)
	args = append(args, conversationID)
	for _, messageID := range ids {
		args = append(args, messageID)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[string]storage.MessageRecord, len(ids))
	for rows.Next() {
		var rec storage.MessageRecord
		var createdAt int64
		if err := rows.Scan(
			&rec.MessageID,
			&rec.SenderID,
			&rec.ParentID,
			&rec.Content.Ciphertext,
			&rec.Content.Nonce,
			&rec.Content.AuthTag,
			&rec.Content.KeyVersion,
			&rec.AttachmentID,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		rec.ConversationID = conversationID
		rec.CreatedAt = fromMillis(createdAt)
		byID[rec.MessageID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	records := make([]storage.MessageRecord, 0, len(byID))
	for _, messageID := range ids {
		if rec, ok := byID[messageID]; ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// DeleteMany removes message blobs best-effort, continuing past individual
// failures and reporting the ids it could not delete.
func (s *Store) DeleteMany(ctx context.Context, conversationID string, ids []string) ([]string, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	var failed []string
	var firstErr error
	for _, messageID := range ids {
		_, err := s.sqlDB.ExecContext(ctx,
			"DELETE FROM messages WHERE conversation_id = ? AND message_id = ?",
			conversationID, messageID,
		)
		if err != nil {
			failed = append(failed, messageID)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return failed, fmt.Errorf("delete messages: %w", firstErr)
	}
	return nil, nil
}

// Get fetches a single message blob.
func (s *Store) Get(ctx context.Context, conversationID, messageID string) (storage.MessageRecord, error) {
	records, err := s.GetByIDs(ctx, conversationID, []string{messageID})
	if err != nil {
		return storage.MessageRecord{}, err
	}
	if len(records) == 0 {
		return storage.MessageRecord{}, storage.ErrNotFound
	}
	return records[0], nil
}

var _ storage.MessageStore = (*Store)(nil)
