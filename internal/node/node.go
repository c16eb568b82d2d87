// Package node hosts the in-process messaging backend: one registry of
// conversation entities, one of user entities, and the authorization
// chain every operation passes through.
package node

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/quietpost/quietpost/internal/auth"
	"github.com/quietpost/quietpost/internal/auth/interceptors"
	convdomain "github.com/quietpost/quietpost/internal/conversation/domain"
	convservice "github.com/quietpost/quietpost/internal/conversation/service"
	"github.com/quietpost/quietpost/internal/platform/id"
	"github.com/quietpost/quietpost/internal/registry"
	"github.com/quietpost/quietpost/internal/storage"
	userdomain "github.com/quietpost/quietpost/internal/user/domain"
	userservice "github.com/quietpost/quietpost/internal/user/service"
)

// Deps holds the node's external collaborators.
type Deps struct {
	Messages    storage.MessageStore
	Attachments storage.AttachmentStore
	Clock       func() time.Time
}

// Node routes operations to per-entity execution queues. All access to
// conversation and user state goes through it; nothing else holds a
// reference to an entity.
type Node struct {
	conversations *registry.Registry[*convservice.Entity]
	users         *registry.Registry[*userservice.Entity]
	inbound       interceptors.Unary
	tracer        trace.Tracer
}

// New builds a node. Entities are activated lazily on first use.
func New(deps Deps) *Node {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	n := &Node{
		inbound: interceptors.Inbound(AllowList()),
		tracer:  otel.Tracer("github.com/quietpost/quietpost/internal/node"),
	}
	n.users = registry.New(func(key string) *userservice.Entity {
		return userservice.New(key, deps.Clock)
	})
	n.conversations = registry.New(func(key string) *convservice.Entity {
		return convservice.New(key, convservice.Deps{
			Messages:    deps.Messages,
			Attachments: deps.Attachments,
			Members:     membershipIndex{users: n.users},
			Clock:       deps.Clock,
		})
	})
	return n
}

// Close stops both registries. In-flight turns finish; queued ones drop.
func (n *Node) Close() {
	n.conversations.Close()
	n.users.Close()
}

// NewConversationID allocates an id for a conversation yet to be created.
func (n *Node) NewConversationID() (string, error) {
	return id.NewID()
}

// ConversationIDs returns every activated conversation id, sorted.
func (n *Node) ConversationIDs() []string {
	return n.conversations.Keys()
}

// membershipIndex cascades conversation membership changes into user
// entities through their own execution queues.
type membershipIndex struct {
	users *registry.Registry[*userservice.Entity]
}

func (m membershipIndex) AddConversation(ctx context.Context, userID, conversationID string) error {
	_, err := registry.Do(m.users, ctx, userID, func(ctx context.Context, e *userservice.Entity) (struct{}, error) {
		return struct{}{}, e.AddConversation(ctx, conversationID)
	})
	return err
}

func (m membershipIndex) RemoveConversation(ctx context.Context, userID, conversationID string) error {
	_, err := registry.Do(m.users, ctx, userID, func(ctx context.Context, e *userservice.Entity) (struct{}, error) {
		return struct{}{}, e.RemoveConversation(ctx, conversationID)
	})
	return err
}

// dispatch runs one operation through the tracer and interceptor chain.
// The outbound interceptor stamps the edge-verified identity onto the
// dispatched call; the inbound interceptor then enforces its presence.
func dispatch[T any](n *Node, ctx context.Context, method string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := n.tracer.Start(ctx, method)
	defer span.End()

	chain := interceptors.Chain(interceptors.Outbound(auth.IdentityFromContext(ctx)), n.inbound)
	value, err := chain(ctx, method, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		span.RecordError(err)
		var zero T
		return zero, err
	}
	out, _ := value.(T)
	return out, nil
}

func caller(ctx context.Context) auth.Identity {
	return auth.IdentityFromContext(ctx)
}

// Conversation operations.

func (n *Node) CreateConversation(ctx context.Context, conversationID string, in convdomain.CreateInput) (convdomain.Details, error) {
	return dispatch(n, ctx, MethodCreateConversation, func(ctx context.Context) (convdomain.Details, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (convdomain.Details, error) {
			return e.Create(ctx, who, in)
		})
	})
}

func (n *Node) GetConversationDetails(ctx context.Context, conversationID string) (convdomain.Details, error) {
	return dispatch(n, ctx, MethodGetDetails, func(ctx context.Context) (convdomain.Details, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (convdomain.Details, error) {
			return e.GetDetails(ctx, who)
		})
	})
}

func (n *Node) AddParticipant(ctx context.Context, conversationID, userID string) (convdomain.Details, error) {
	return dispatch(n, ctx, MethodAddParticipant, func(ctx context.Context) (convdomain.Details, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (convdomain.Details, error) {
			return e.AddParticipant(ctx, who, userID)
		})
	})
}

func (n *Node) RemoveParticipant(ctx context.Context, conversationID, userID string) (convdomain.Details, error) {
	return dispatch(n, ctx, MethodRemoveParticipant, func(ctx context.Context) (convdomain.Details, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (convdomain.Details, error) {
			return e.RemoveParticipant(ctx, who, userID)
		})
	})
}

func (n *Node) RenameConversation(ctx context.Context, conversationID, name string) (convdomain.Details, error) {
	return dispatch(n, ctx, MethodRenameConversation, func(ctx context.Context) (convdomain.Details, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (convdomain.Details, error) {
			return e.Rename(ctx, who, name)
		})
	})
}

func (n *Node) DeleteConversation(ctx context.Context, conversationID string) (convservice.DeleteResult, error) {
	return dispatch(n, ctx, MethodDeleteConversation, func(ctx context.Context) (convservice.DeleteResult, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (convservice.DeleteResult, error) {
			return e.DeleteConversation(ctx, who)
		})
	})
}

func (n *Node) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	return dispatch(n, ctx, MethodIsParticipant, func(ctx context.Context) (bool, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (bool, error) {
			return e.IsParticipant(ctx, who, userID)
		})
	})
}

func (n *Node) PostMessage(ctx context.Context, conversationID string, in convservice.PostMessageInput) (convservice.PostResult, error) {
	return dispatch(n, ctx, MethodPostMessage, func(ctx context.Context) (convservice.PostResult, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (convservice.PostResult, error) {
			return e.PostMessage(ctx, who, in)
		})
	})
}

func (n *Node) GetMessages(ctx context.Context, conversationID string, skip, take int) (convservice.Page, error) {
	return dispatch(n, ctx, MethodGetMessages, func(ctx context.Context) (convservice.Page, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (convservice.Page, error) {
			return e.GetMessages(ctx, who, skip, take)
		})
	})
}

func (n *Node) GetMessageReplies(ctx context.Context, conversationID, parentID string, skip, take int) (convservice.Page, error) {
	return dispatch(n, ctx, MethodGetMessageReplies, func(ctx context.Context) (convservice.Page, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (convservice.Page, error) {
			return e.GetMessageReplies(ctx, who, parentID, skip, take)
		})
	})
}

func (n *Node) UploadAttachment(ctx context.Context, conversationID string, in convservice.AttachmentUpload) (storage.AttachmentRecord, error) {
	return dispatch(n, ctx, MethodUploadAttachment, func(ctx context.Context) (storage.AttachmentRecord, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (storage.AttachmentRecord, error) {
			return e.UploadAttachment(ctx, who, in)
		})
	})
}

func (n *Node) GetAttachment(ctx context.Context, conversationID, attachmentID string) (storage.AttachmentRecord, error) {
	return dispatch(n, ctx, MethodGetAttachment, func(ctx context.Context) (storage.AttachmentRecord, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (storage.AttachmentRecord, error) {
			return e.GetAttachment(ctx, who, attachmentID)
		})
	})
}

func (n *Node) StoreEncryptedConversationKey(ctx context.Context, conversationID, userID string, keyVersion int, encryptedKey []byte) error {
	_, err := dispatch(n, ctx, MethodStoreConversationKey, func(ctx context.Context) (struct{}, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (struct{}, error) {
			return struct{}{}, e.StoreEncryptedConversationKey(ctx, who, userID, keyVersion, encryptedKey)
		})
	})
	return err
}

func (n *Node) GetEncryptedConversationKey(ctx context.Context, conversationID, userID string, keyVersion int) ([]byte, error) {
	return dispatch(n, ctx, MethodGetConversationKey, func(ctx context.Context) ([]byte, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) ([]byte, error) {
			return e.GetEncryptedConversationKey(ctx, who, userID, keyVersion)
		})
	})
}

func (n *Node) GetCurrentKeyVersion(ctx context.Context, conversationID string) (int, error) {
	return dispatch(n, ctx, MethodGetCurrentKeyVersion, func(ctx context.Context) (int, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (int, error) {
			return e.GetCurrentKeyVersion(ctx, who)
		})
	})
}

func (n *Node) MarkMessageAsRead(ctx context.Context, conversationID, userID, messageID string) error {
	_, err := dispatch(n, ctx, MethodMarkMessageAsRead, func(ctx context.Context) (struct{}, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (struct{}, error) {
			return struct{}{}, e.MarkMessageAsRead(ctx, who, userID, messageID)
		})
	})
	return err
}

func (n *Node) GetMessageReadReceipts(ctx context.Context, conversationID, messageID string) (convdomain.ReadReceipts, error) {
	return dispatch(n, ctx, MethodGetReadReceipts, func(ctx context.Context) (convdomain.ReadReceipts, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (convdomain.ReadReceipts, error) {
			return e.GetMessageReadReceipts(ctx, who, messageID)
		})
	})
}

func (n *Node) ToggleReaction(ctx context.Context, conversationID, userID, messageID, emoji string) (bool, error) {
	return dispatch(n, ctx, MethodToggleReaction, func(ctx context.Context) (bool, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (bool, error) {
			return e.ToggleReaction(ctx, who, userID, messageID, emoji)
		})
	})
}

func (n *Node) GetMessageReactions(ctx context.Context, conversationID, messageID string) (convdomain.Reactions, error) {
	return dispatch(n, ctx, MethodGetReactions, func(ctx context.Context) (convdomain.Reactions, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (convdomain.Reactions, error) {
			return e.GetMessageReactions(ctx, who, messageID)
		})
	})
}

func (n *Node) PurgeExpired(ctx context.Context, conversationID string, asOf time.Time) (convservice.PurgeResult, error) {
	return dispatch(n, ctx, MethodPurgeExpired, func(ctx context.Context) (convservice.PurgeResult, error) {
		who := caller(ctx)
		return registry.Do(n.conversations, ctx, conversationID, func(ctx context.Context, e *convservice.Entity) (convservice.PurgeResult, error) {
			return e.PurgeExpired(ctx, who, asOf)
		})
	})
}

// User operations.

// RegistrationResult reports whether EnsureRegistered created the account.
type RegistrationResult struct {
	Profile   userdomain.Profile
	IsNewUser bool
}

func (n *Node) EnsureRegistered(ctx context.Context, userID string, in userdomain.RegistrationInput) (RegistrationResult, error) {
	return dispatch(n, ctx, MethodEnsureRegistered, func(ctx context.Context) (RegistrationResult, error) {
		who := caller(ctx)
		return registry.Do(n.users, ctx, userID, func(ctx context.Context, e *userservice.Entity) (RegistrationResult, error) {
			profile, created, err := e.EnsureRegistered(ctx, who, in)
			return RegistrationResult{Profile: profile, IsNewUser: created}, err
		})
	})
}

func (n *Node) GetProfile(ctx context.Context, userID string) (userdomain.Profile, error) {
	return dispatch(n, ctx, MethodGetProfile, func(ctx context.Context) (userdomain.Profile, error) {
		who := caller(ctx)
		return registry.Do(n.users, ctx, userID, func(ctx context.Context, e *userservice.Entity) (userdomain.Profile, error) {
			return e.GetProfile(ctx, who)
		})
	})
}

func (n *Node) UpdateProfile(ctx context.Context, userID, displayName string) (userdomain.Profile, error) {
	return dispatch(n, ctx, MethodUpdateProfile, func(ctx context.Context) (userdomain.Profile, error) {
		who := caller(ctx)
		return registry.Do(n.users, ctx, userID, func(ctx context.Context, e *userservice.Entity) (userdomain.Profile, error) {
			return e.UpdateProfile(ctx, who, displayName)
		})
	})
}

func (n *Node) SetIdentityKeys(ctx context.Context, userID string, publicKey, encryptedPrivateKey, keySalt []byte) error {
	_, err := dispatch(n, ctx, MethodSetIdentityKeys, func(ctx context.Context) (struct{}, error) {
		who := caller(ctx)
		return registry.Do(n.users, ctx, userID, func(ctx context.Context, e *userservice.Entity) (struct{}, error) {
			return struct{}{}, e.SetIdentityKeys(ctx, who, publicKey, encryptedPrivateKey, keySalt)
		})
	})
	return err
}

func (n *Node) GetPublicIdentityKey(ctx context.Context, userID string) ([]byte, error) {
	return dispatch(n, ctx, MethodGetPublicIdentityKey, func(ctx context.Context) ([]byte, error) {
		return registry.Do(n.users, ctx, userID, func(ctx context.Context, e *userservice.Entity) ([]byte, error) {
			return e.GetPublicIdentityKey(ctx)
		})
	})
}

func (n *Node) GetContactInfo(ctx context.Context, userID string) (userdomain.ContactInfo, error) {
	return dispatch(n, ctx, MethodGetContactInfo, func(ctx context.Context) (userdomain.ContactInfo, error) {
		return registry.Do(n.users, ctx, userID, func(ctx context.Context, e *userservice.Entity) (userdomain.ContactInfo, error) {
			return e.GetContactInfo(ctx)
		})
	})
}

func (n *Node) ListConversations(ctx context.Context, userID string) ([]string, error) {
	return dispatch(n, ctx, MethodListConversations, func(ctx context.Context) ([]string, error) {
		who := caller(ctx)
		return registry.Do(n.users, ctx, userID, func(ctx context.Context, e *userservice.Entity) ([]string, error) {
			return e.ListConversations(ctx, who)
		})
	})
}

func (n *Node) AddContact(ctx context.Context, userID, contactID, nickname string) error {
	_, err := dispatch(n, ctx, MethodAddContact, func(ctx context.Context) (struct{}, error) {
		who := caller(ctx)
		return registry.Do(n.users, ctx, userID, func(ctx context.Context, e *userservice.Entity) (struct{}, error) {
			return struct{}{}, e.AddContact(ctx, who, contactID, nickname)
		})
	})
	return err
}

func (n *Node) RemoveContact(ctx context.Context, userID, contactID string) error {
	_, err := dispatch(n, ctx, MethodRemoveContact, func(ctx context.Context) (struct{}, error) {
		who := caller(ctx)
		return registry.Do(n.users, ctx, userID, func(ctx context.Context, e *userservice.Entity) (struct{}, error) {
			return struct{}{}, e.RemoveContact(ctx, who, contactID)
		})
	})
	return err
}

func (n *Node) ListContacts(ctx context.Context, userID string) ([]userdomain.Contact, error) {
	return dispatch(n, ctx, MethodListContacts, func(ctx context.Context) ([]userdomain.Contact, error) {
		who := caller(ctx)
		return registry.Do(n.users, ctx, userID, func(ctx context.Context, e *userservice.Entity) ([]userdomain.Contact, error) {
			return e.ListContacts(ctx, who)
		})
	})
}

func (n *Node) TouchLastActive(ctx context.Context, userID string) error {
	_, err := dispatch(n, ctx, MethodTouchLastActive, func(ctx context.Context) (struct{}, error) {
		who := caller(ctx)
		return registry.Do(n.users, ctx, userID, func(ctx context.Context, e *userservice.Entity) (struct{}, error) {
			return struct{}{}, e.TouchLastActive(ctx, who)
		})
	})
	return err
}
