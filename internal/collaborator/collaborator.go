// Package collaborator models the chat platform the progression core talks
// to. The core never calls the platform while it holds guild state; it
// emits Commands that a Dispatcher executes after the state is saved.
package collaborator

import (
	"context"

	"github.com/google/uuid"
)

// Member is a guild member as reported by the platform
type Member struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// HasRole reports whether the member currently holds roleID
func (m Member) HasRole(roleID string) bool {
	for _, r := range m.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// Attachment is a file sent along with a channel message
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

// Message is the content of a channel message
type Message struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Collaborator is the chat platform client
type Collaborator interface {
	GrantRole(ctx context.Context, guildID, userID, roleID string) error
	RevokeRole(ctx context.Context, guildID, userID, roleID string) error
	SendMessage(ctx context.Context, guildID, channelID string, msg Message) error
	// SendDirectMessage fails with ErrCodeDmBlocked when the recipient
	// does not accept direct messages
	SendDirectMessage(ctx context.Context, userID, content string) error
	// FetchMember fails with ErrCodeNotFound for users not in the guild
	FetchMember(ctx context.Context, guildID, userID string) (*Member, error)
	ListMembers(ctx context.Context, guildID string) ([]Member, error)
}

// Kind names the collaborator call a Command performs
type Kind string

const (
	KindGrantRole   Kind = "grant_role"
	KindRevokeRole  Kind = "revoke_role"
	KindSendMessage Kind = "send_message"
	KindSendDM      Kind = "send_dm"
)

// Command is one fire-and-forget collaborator call
type Command struct {
	ID        string
	Kind      Kind
	GuildID   string
	UserID    string
	RoleID    string
	ChannelID string
	Message   Message

	// FallbackChannelID receives FallbackContent when a direct message
	// is blocked
	FallbackChannelID string
	FallbackContent   string
}

// GrantRoleCommand grants roleID to a user
func GrantRoleCommand(guildID, userID, roleID string) Command {
	return Command{ID: uuid.NewString(), Kind: KindGrantRole, GuildID: guildID, UserID: userID, RoleID: roleID}
}

// RevokeRoleCommand revokes roleID from a user
func RevokeRoleCommand(guildID, userID, roleID string) Command {
	return Command{ID: uuid.NewString(), Kind: KindRevokeRole, GuildID: guildID, UserID: userID, RoleID: roleID}
}

// SendMessageCommand posts content to a channel
func SendMessageCommand(guildID, channelID, content string, attachments ...Attachment) Command {
	return Command{
		ID:        uuid.NewString(),
		Kind:      KindSendMessage,
		GuildID:   guildID,
		ChannelID: channelID,
		Message:   Message{Content: content, Attachments: attachments},
	}
}

// SendDMCommand sends a direct message, posting fallback to
// fallbackChannelID instead if the user blocks direct messages
func SendDMCommand(guildID, userID, content, fallbackChannelID, fallback string) Command {
	return Command{
		ID:                uuid.NewString(),
		Kind:              KindSendDM,
		GuildID:           guildID,
		UserID:            userID,
		Message:           Message{Content: content},
		FallbackChannelID: fallbackChannelID,
		FallbackContent:   fallback,
	}
}
