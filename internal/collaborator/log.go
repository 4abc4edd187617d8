package collaborator

import (
	"context"

	"go.uber.org/zap"

	streakerrors "github.com/devrev/streakd/internal/errors"
)

// LogCollaborator performs no platform calls and logs each one instead.
// It knows no members, so member lookups fail with NotFound.
type LogCollaborator struct {
	logger *zap.Logger
}

// NewLogCollaborator creates a dry-run collaborator
func NewLogCollaborator(logger *zap.Logger) *LogCollaborator {
	return &LogCollaborator{logger: logger}
}

func (c *LogCollaborator) GrantRole(_ context.Context, guildID, userID, roleID string) error {
	c.logger.Info("Grant role",
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.String("role_id", roleID))
	return nil
}

func (c *LogCollaborator) RevokeRole(_ context.Context, guildID, userID, roleID string) error {
	c.logger.Info("Revoke role",
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.String("role_id", roleID))
	return nil
}

func (c *LogCollaborator) SendMessage(_ context.Context, guildID, channelID string, msg Message) error {
	c.logger.Info("Send message",
		zap.String("guild_id", guildID),
		zap.String("channel_id", channelID),
		zap.String("content", msg.Content),
		zap.Int("attachments", len(msg.Attachments)))
	return nil
}

func (c *LogCollaborator) SendDirectMessage(_ context.Context, userID, content string) error {
	c.logger.Info("Send direct message",
		zap.String("user_id", userID),
		zap.String("content", content))
	return nil
}

func (c *LogCollaborator) FetchMember(_ context.Context, guildID, userID string) (*Member, error) {
	return nil, streakerrors.NotFound("member", userID).WithDetail("guild_id", guildID)
}

func (c *LogCollaborator) ListMembers(_ context.Context, guildID string) ([]Member, error) {
	return nil, streakerrors.NotFound("member list", guildID)
}
