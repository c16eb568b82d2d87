package node

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	convdomain "github.com/quietpost/quietpost/internal/conversation/domain"
	convservice "github.com/quietpost/quietpost/internal/conversation/service"
	apperrors "github.com/quietpost/quietpost/internal/platform/errors"
	"github.com/quietpost/quietpost/internal/storage"
	userdomain "github.com/quietpost/quietpost/internal/user/domain"
)

// Codec is the gRPC content-subtype the server speaks. Clients select it
// per call or as a default call option.
const Codec = "json"

// jsonCodec serializes wire messages as JSON. The node's messages are
// plain structs, so no generated marshaling is involved.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return Codec }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Wire messages. Requests deserialize into these; responses are the
// domain snapshots themselves, wrapped only where the result is a scalar.

type CreateConversationRequest struct {
	ConversationID string
	Input          convdomain.CreateInput
}

type ConversationRequest struct {
	ConversationID string
}

type ParticipantRequest struct {
	ConversationID string
	UserID         string
}

type RenameConversationRequest struct {
	ConversationID string
	Name           string
}

type PostMessageRequest struct {
	ConversationID string
	Input          convservice.PostMessageInput
}

type MessagePageRequest struct {
	ConversationID string
	ParentID       string
	Skip           int
	Take           int
}

type UploadAttachmentRequest struct {
	ConversationID string
	Upload         convservice.AttachmentUpload
}

type AttachmentRequest struct {
	ConversationID string
	AttachmentID   string
}

type ConversationKeyRequest struct {
	ConversationID string
	UserID         string
	KeyVersion     int
	EncryptedKey   []byte
}

type MessageActionRequest struct {
	ConversationID string
	UserID         string
	MessageID      string
	Emoji          string
}

type PurgeExpiredRequest struct {
	ConversationID string
	AsOf           time.Time
}

type EnsureRegisteredRequest struct {
	UserID string
	Input  userdomain.RegistrationInput
}

type UserRequest struct {
	UserID string
}

type UpdateProfileRequest struct {
	UserID      string
	DisplayName string
}

type SetIdentityKeysRequest struct {
	UserID              string
	PublicIdentityKey   []byte
	EncryptedPrivateKey []byte
	KeySalt             []byte
}

type ContactRequest struct {
	UserID    string
	ContactID string
	Nickname  string
}

type BoolResponse struct {
	Value bool
}

type KeyVersionResponse struct {
	KeyVersion int
}

type KeyBlobResponse struct {
	EncryptedKey []byte
}

type PublicKeyResponse struct {
	PublicIdentityKey []byte
}

type ConversationListResponse struct {
	ConversationIDs []string
}

type ContactListResponse struct {
	Contacts []userdomain.Contact
}

type Empty struct{}

// ConversationServer is the conversation surface the service descriptor
// binds. *Node implements it.
type ConversationServer interface {
	CreateConversation(ctx context.Context, conversationID string, in convdomain.CreateInput) (convdomain.Details, error)
	GetConversationDetails(ctx context.Context, conversationID string) (convdomain.Details, error)
	AddParticipant(ctx context.Context, conversationID, userID string) (convdomain.Details, error)
	RemoveParticipant(ctx context.Context, conversationID, userID string) (convdomain.Details, error)
	RenameConversation(ctx context.Context, conversationID, name string) (convdomain.Details, error)
	DeleteConversation(ctx context.Context, conversationID string) (convservice.DeleteResult, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	PostMessage(ctx context.Context, conversationID string, in convservice.PostMessageInput) (convservice.PostResult, error)
	GetMessages(ctx context.Context, conversationID string, skip, take int) (convservice.Page, error)
	GetMessageReplies(ctx context.Context, conversationID, parentID string, skip, take int) (convservice.Page, error)
	UploadAttachment(ctx context.Context, conversationID string, in convservice.AttachmentUpload) (storage.AttachmentRecord, error)
	GetAttachment(ctx context.Context, conversationID, attachmentID string) (storage.AttachmentRecord, error)
	StoreEncryptedConversationKey(ctx context.Context, conversationID, userID string, keyVersion int, encryptedKey []byte) error
	GetEncryptedConversationKey(ctx context.Context, conversationID, userID string, keyVersion int) ([]byte, error)
	GetCurrentKeyVersion(ctx context.Context, conversationID string) (int, error)
	MarkMessageAsRead(ctx context.Context, conversationID, userID, messageID string) error
	GetMessageReadReceipts(ctx context.Context, conversationID, messageID string) (convdomain.ReadReceipts, error)
	ToggleReaction(ctx context.Context, conversationID, userID, messageID, emoji string) (bool, error)
	GetMessageReactions(ctx context.Context, conversationID, messageID string) (convdomain.Reactions, error)
	PurgeExpired(ctx context.Context, conversationID string, asOf time.Time) (convservice.PurgeResult, error)
}

// UserServer is the user surface the service descriptor binds. *Node
// implements it.
type UserServer interface {
	EnsureRegistered(ctx context.Context, userID string, in userdomain.RegistrationInput) (RegistrationResult, error)
	GetProfile(ctx context.Context, userID string) (userdomain.Profile, error)
	UpdateProfile(ctx context.Context, userID, displayName string) (userdomain.Profile, error)
	SetIdentityKeys(ctx context.Context, userID string, publicKey, encryptedPrivateKey, keySalt []byte) error
	GetPublicIdentityKey(ctx context.Context, userID string) ([]byte, error)
	GetContactInfo(ctx context.Context, userID string) (userdomain.ContactInfo, error)
	ListConversations(ctx context.Context, userID string) ([]string, error)
	AddContact(ctx context.Context, userID, contactID, nickname string) error
	RemoveContact(ctx context.Context, userID, contactID string) error
	ListContacts(ctx context.Context, userID string) ([]userdomain.Contact, error)
	TouchLastActive(ctx context.Context, userID string) error
}

// RegisterConversationServer registers the conversation service on s.
func RegisterConversationServer(s grpc.ServiceRegistrar, srv ConversationServer) {
	s.RegisterService(&conversationServiceDesc, srv)
}

// RegisterUserServer registers the user service on s.
func RegisterUserServer(s grpc.ServiceRegistrar, srv UserServer) {
	s.RegisterService(&userServiceDesc, srv)
}

// unary adapts one node operation into a gRPC method handler. Domain
// errors become gRPC statuses here, at the transport boundary.
func unary[S, Req any](method string, invoke func(ctx context.Context, srv S, req *Req) (any, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, r any) (any, error) {
			out, err := invoke(ctx, srv.(S), r.(*Req))
			if err != nil {
				return nil, apperrors.HandleError(err)
			}
			return out, nil
		}
		if interceptor == nil {
			return handler(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, req, info, handler)
	}
}

var conversationServiceDesc = grpc.ServiceDesc{
	ServiceName: "quietpost.v1.ConversationService",
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateConversation", Handler: unary(MethodCreateConversation,
			func(ctx context.Context, srv ConversationServer, req *CreateConversationRequest) (any, error) {
				return srv.CreateConversation(ctx, req.ConversationID, req.Input)
			})},
		{MethodName: "GetConversationDetails", Handler: unary(MethodGetDetails,
			func(ctx context.Context, srv ConversationServer, req *ConversationRequest) (any, error) {
				return srv.GetConversationDetails(ctx, req.ConversationID)
			})},
		{MethodName: "AddParticipant", Handler: unary(MethodAddParticipant,
			func(ctx context.Context, srv ConversationServer, req *ParticipantRequest) (any, error) {
				return srv.AddParticipant(ctx, req.ConversationID, req.UserID)
			})},
		{MethodName: "RemoveParticipant", Handler: unary(MethodRemoveParticipant,
			func(ctx context.Context, srv ConversationServer, req *ParticipantRequest) (any, error) {
				return srv.RemoveParticipant(ctx, req.ConversationID, req.UserID)
			})},
		{MethodName: "RenameConversation", Handler: unary(MethodRenameConversation,
			func(ctx context.Context, srv ConversationServer, req *RenameConversationRequest) (any, error) {
				return srv.RenameConversation(ctx, req.ConversationID, req.Name)
			})},
		{MethodName: "DeleteConversation", Handler: unary(MethodDeleteConversation,
			func(ctx context.Context, srv ConversationServer, req *ConversationRequest) (any, error) {
				return srv.DeleteConversation(ctx, req.ConversationID)
			})},
		{MethodName: "IsParticipant", Handler: unary(MethodIsParticipant,
			func(ctx context.Context, srv ConversationServer, req *ParticipantRequest) (any, error) {
				ok, err := srv.IsParticipant(ctx, req.ConversationID, req.UserID)
				return BoolResponse{Value: ok}, err
			})},
		{MethodName: "PostMessage", Handler: unary(MethodPostMessage,
			func(ctx context.Context, srv ConversationServer, req *PostMessageRequest) (any, error) {
				return srv.PostMessage(ctx, req.ConversationID, req.Input)
			})},
		{MethodName: "GetMessages", Handler: unary(MethodGetMessages,
			func(ctx context.Context, srv ConversationServer, req *MessagePageRequest) (any, error) {
				return srv.GetMessages(ctx, req.ConversationID, req.Skip, req.Take)
			})},
		{MethodName: "GetMessageReplies", Handler: unary(MethodGetMessageReplies,
			func(ctx context.Context, srv ConversationServer, req *MessagePageRequest) (any, error) {
				return srv.GetMessageReplies(ctx, req.ConversationID, req.ParentID, req.Skip, req.Take)
			})},
		{MethodName: "UploadAttachment", Handler: unary(MethodUploadAttachment,
			func(ctx context.Context, srv ConversationServer, req *UploadAttachmentRequest) (any, error) {
				return srv.UploadAttachment(ctx, req.ConversationID, req.Upload)
			})},
		{MethodName: "GetAttachment", Handler: unary(MethodGetAttachment,
			func(ctx context.Context, srv ConversationServer, req *AttachmentRequest) (any, error) {
				return srv.GetAttachment(ctx, req.ConversationID, req.AttachmentID)
			})},
		{MethodName: "StoreEncryptedConversationKey", Handler: unary(MethodStoreConversationKey,
			func(ctx context.Context, srv ConversationServer, req *ConversationKeyRequest) (any, error) {
				err := srv.StoreEncryptedConversationKey(ctx, req.ConversationID, req.UserID, req.KeyVersion, req.EncryptedKey)
				return Empty{}, err
			})},
		{MethodName: "GetEncryptedConversationKey", Handler: unary(MethodGetConversationKey,
			func(ctx context.Context, srv ConversationServer, req *ConversationKeyRequest) (any, error) {
				blob, err := srv.GetEncryptedConversationKey(ctx, req.ConversationID, req.UserID, req.KeyVersion)
				return KeyBlobResponse{EncryptedKey: blob}, err
			})},
		{MethodName: "GetCurrentKeyVersion", Handler: unary(MethodGetCurrentKeyVersion,
			func(ctx context.Context, srv ConversationServer, req *ConversationRequest) (any, error) {
				version, err := srv.GetCurrentKeyVersion(ctx, req.ConversationID)
				return KeyVersionResponse{KeyVersion: version}, err
			})},
		{MethodName: "MarkMessageAsRead", Handler: unary(MethodMarkMessageAsRead,
			func(ctx context.Context, srv ConversationServer, req *MessageActionRequest) (any, error) {
				err := srv.MarkMessageAsRead(ctx, req.ConversationID, req.UserID, req.MessageID)
				return Empty{}, err
			})},
		{MethodName: "GetMessageReadReceipts", Handler: unary(MethodGetReadReceipts,
			func(ctx context.Context, srv ConversationServer, req *MessageActionRequest) (any, error) {
				return srv.GetMessageReadReceipts(ctx, req.ConversationID, req.MessageID)
			})},
		{MethodName: "ToggleReaction", Handler: unary(MethodToggleReaction,
			func(ctx context.Context, srv ConversationServer, req *MessageActionRequest) (any, error) {
				added, err := srv.ToggleReaction(ctx, req.ConversationID, req.UserID, req.MessageID, req.Emoji)
				return BoolResponse{Value: added}, err
			})},
		{MethodName: "GetMessageReactions", Handler: unary(MethodGetReactions,
			func(ctx context.Context, srv ConversationServer, req *MessageActionRequest) (any, error) {
				return srv.GetMessageReactions(ctx, req.ConversationID, req.MessageID)
			})},
		{MethodName: "PurgeExpired", Handler: unary(MethodPurgeExpired,
			func(ctx context.Context, srv ConversationServer, req *PurgeExpiredRequest) (any, error) {
				return srv.PurgeExpired(ctx, req.ConversationID, req.AsOf)
			})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quietpost/v1/conversation.json",
}

var userServiceDesc = grpc.ServiceDesc{
	ServiceName: "quietpost.v1.UserService",
	HandlerType: (*UserServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "EnsureRegistered", Handler: unary(MethodEnsureRegistered,
			func(ctx context.Context, srv UserServer, req *EnsureRegisteredRequest) (any, error) {
				return srv.EnsureRegistered(ctx, req.UserID, req.Input)
			})},
		{MethodName: "GetProfile", Handler: unary(MethodGetProfile,
			func(ctx context.Context, srv UserServer, req *UserRequest) (any, error) {
				return srv.GetProfile(ctx, req.UserID)
			})},
		{MethodName: "UpdateProfile", Handler: unary(MethodUpdateProfile,
			func(ctx context.Context, srv UserServer, req *UpdateProfileRequest) (any, error) {
				return srv.UpdateProfile(ctx, req.UserID, req.DisplayName)
			})},
		{MethodName: "SetIdentityKeys", Handler: unary(MethodSetIdentityKeys,
			func(ctx context.Context, srv UserServer, req *SetIdentityKeysRequest) (any, error) {
				err := srv.SetIdentityKeys(ctx, req.UserID, req.PublicIdentityKey, req.EncryptedPrivateKey, req.KeySalt)
				return Empty{}, err
			})},
		{MethodName: "GetPublicIdentityKey", Handler: unary(MethodGetPublicIdentityKey,
			func(ctx context.Context, srv UserServer, req *UserRequest) (any, error) {
				key, err := srv.GetPublicIdentityKey(ctx, req.UserID)
				return PublicKeyResponse{PublicIdentityKey: key}, err
			})},
		{MethodName: "GetContactInfo", Handler: unary(MethodGetContactInfo,
			func(ctx context.Context, srv UserServer, req *UserRequest) (any, error) {
				return srv.GetContactInfo(ctx, req.UserID)
			})},
		{MethodName: "ListConversations", Handler: unary(MethodListConversations,
			func(ctx context.Context, srv UserServer, req *UserRequest) (any, error) {
				ids, err := srv.ListConversations(ctx, req.UserID)
				return ConversationListResponse{ConversationIDs: ids}, err
			})},
		{MethodName: "AddContact", Handler: unary(MethodAddContact,
			func(ctx context.Context, srv UserServer, req *ContactRequest) (any, error) {
				err := srv.AddContact(ctx, req.UserID, req.ContactID, req.Nickname)
				return Empty{}, err
			})},
		{MethodName: "RemoveContact", Handler: unary(MethodRemoveContact,
			func(ctx context.Context, srv UserServer, req *ContactRequest) (any, error) {
				err := srv.RemoveContact(ctx, req.UserID, req.ContactID)
				return Empty{}, err
			})},
		{MethodName: "ListContacts", Handler: unary(MethodListContacts,
			func(ctx context.Context, srv UserServer, req *UserRequest) (any, error) {
				contacts, err := srv.ListContacts(ctx, req.UserID)
				return ContactListResponse{Contacts: contacts}, err
			})},
		{MethodName: "TouchLastActive", Handler: unary(MethodTouchLastActive,
			func(ctx context.Context, srv UserServer, req *UserRequest) (any, error) {
				err := srv.TouchLastActive(ctx, req.UserID)
				return Empty{}, err
			})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quietpost/v1/user.json",
}
