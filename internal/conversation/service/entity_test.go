package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/quietpost/quietpost/internal/auth"
	"github.com/quietpost/quietpost/internal/conversation/domain"
	"github.com/quietpost/quietpost/internal/storage"
)

var (
	alice = auth.Identity{Subject: "alice", Email: "alice@example.com"}
	bob   = auth.Identity{Subject: "bob", Email: "bob@example.com"}
	carol = auth.Identity{Subject: "carol", Email: "carol@example.com"}
)

// testClock is a hand-advanced clock shared by entity and fakes.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeMessageStore struct {
	clock   *testClock
	nextID  int
	records map[string]storage.MessageRecord

	storeErr      error
	storeErrs     []error
	undeletable   []string
	deleteManyErr error
}

func newFakeMessageStore(clock *testClock) *fakeMessageStore {
	return &fakeMessageStore{clock: clock, records: make(map[string]storage.MessageRecord)}
}

func (s *fakeMessageStore) Store(ctx context.Context, in storage.StoreMessageInput) (storage.MessageRecord, error) {
	if len(s.storeErrs) > 0 {
		err := s.storeErrs[0]
		s.storeErrs = s.storeErrs[1:]
		if err != nil {
			return storage.MessageRecord{}, err
		}
	}
	if s.storeErr != nil {
		return storage.MessageRecord{}, s.storeErr
	}
	s.nextID++
	rec := storage.MessageRecord{
		MessageID:      fmt.Sprintf("m%04d", s.nextID),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		ParentID:       in.ParentID,
		Content:        in.Content,
		AttachmentID:   in.AttachmentID,
		CreatedAt:      s.clock.Now(),
	}
	s.records[rec.MessageID] = rec
	return rec, nil
}

func (s *fakeMessageStore) GetByIDs(ctx context.Context, conversationID string, ids []string) ([]storage.MessageRecord, error) {
	var out []storage.MessageRecord
	for _, id := range ids {
		if rec, ok := s.records[id]; ok && rec.ConversationID == conversationID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeMessageStore) DeleteMany(ctx context.Context, conversationID string, ids []string) ([]string, error) {
	var failed []string
	for _, id := range ids {
		if slices.Contains(s.undeletable, id) {
			failed = append(failed, id)
			continue
		}
		delete(s.records, id)
	}
	return failed, s.deleteManyErr
}

type fakeAttachmentStore struct {
	clock   *testClock
	nextID  int
	records map[string]storage.AttachmentRecord

	storeErr  error
	deleteErr error
	getCalls  int
}

func newFakeAttachmentStore(clock *testClock) *fakeAttachmentStore {
	return &fakeAttachmentStore{clock: clock, records: make(map[string]storage.AttachmentRecord)}
}

func (s *fakeAttachmentStore) Store(ctx context.Context, in storage.StoreAttachmentInput) (storage.AttachmentRecord, error) {
	if s.storeErr != nil {
		return storage.AttachmentRecord{}, s.storeErr
	}
	s.nextID++
	rec := storage.AttachmentRecord{
		AttachmentID:   fmt.Sprintf("a%04d", s.nextID),
		ConversationID: in.ConversationID,
		Meta: storage.AttachmentMeta{
			FileName:    in.FileName,
			ContentType: in.ContentType,
			SizeBytes:   int64(len(in.Data)),
			Nonce:       in.Nonce,
			AuthTag:     in.AuthTag,
			KeyVersion:  in.KeyVersion,
			UploadedAt:  s.clock.Now(),
		},
		Data: in.Data,
	}
	s.records[rec.AttachmentID] = rec
	return rec, nil
}

func (s *fakeAttachmentStore) Get(ctx context.Context, conversationID, attachmentID string) (storage.AttachmentRecord, error) {
	s.getCalls++
	rec, ok := s.records[attachmentID]
	if !ok || rec.ConversationID != conversationID {
		return storage.AttachmentRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *fakeAttachmentStore) Delete(ctx context.Context, conversationID, attachmentID string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.records, attachmentID)
	return nil
}

func (s *fakeAttachmentStore) DeleteAll(ctx context.Context, conversationID string) ([]string, error) {
	for id, rec := range s.records {
		if rec.ConversationID == conversationID {
			delete(s.records, id)
		}
	}
	return nil, nil
}

type fakeMembers struct {
	mu         sync.Mutex
	added      map[string][]string
	removed    map[string][]string
	err        error
	removeErrs map[string]error
}

func newFakeMembers() *fakeMembers {
	return &fakeMembers{
		added:      make(map[string][]string),
		removed:    make(map[string][]string),
		removeErrs: make(map[string]error),
	}
}

func (m *fakeMembers) AddConversation(ctx context.Context, userID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.added[userID] = append(m.added[userID], conversationID)
	return nil
}

func (m *fakeMembers) RemoveConversation(ctx context.Context, userID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.removeErrs[userID]; err != nil {
		return err
	}
	if m.err != nil {
		return m.err
	}
	m.removed[userID] = append(m.removed[userID], conversationID)
	return nil
}

type testEntity struct {
	entity      *Entity
	clock       *testClock
	messages    *fakeMessageStore
	attachments *fakeAttachmentStore
	members     *fakeMembers
}

func newTestEntity() *testEntity {
	clock := newTestClock()
	messages := newFakeMessageStore(clock)
	attachments := newFakeAttachmentStore(clock)
	members := newFakeMembers()
	entity := New("conv1", Deps{
		Messages:    messages,
		Attachments: attachments,
		Members:     members,
		Clock:       clock.Now,
	})
	return &testEntity{
		entity:      entity,
		clock:       clock,
		messages:    messages,
		attachments: attachments,
		members:     members,
	}
}

// newActiveEntity creates and activates a conversation with alice (the
// creator) and bob as participants and a 24 hour retention window.
func newActiveEntity() *testEntity {
	te := newTestEntity()
	_, err := te.entity.Create(context.Background(), alice, domain.CreateInput{
		Participants: []string{"alice", "bob"},
		CreatorID:    "alice",
		Retention:    domain.Retention24h,
	})
	if err != nil {
		panic(err)
	}
	return te
}

func testContent(keyVersion int) domain.EncryptedContent {
	return domain.EncryptedContent{
		Ciphertext: []byte("ciphertext"),
		Nonce:      []byte("nonce"),
		AuthTag:    []byte("tag"),
		KeyVersion: keyVersion,
	}
}

func (te *testEntity) post(sender auth.Identity, parentID string) (PostResult, error) {
	return te.entity.PostMessage(context.Background(), sender, PostMessageInput{
		SenderID: sender.Subject,
		ParentID: parentID,
		Content:  testContent(1),
	})
}
