// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/devrev/streakd/internal/collaborator"
)

// MockCollaborator is a mock implementation of collaborator.Collaborator.
type MockCollaborator struct {
	mock.Mock
}

// GrantRole mocks GrantRole.
func (m *MockCollaborator) GrantRole(ctx context.Context, guildID, userID, roleID string) error {
	args := m.Called(ctx, guildID, userID, roleID)
	return args.Error(0)
}

// RevokeRole mocks RevokeRole.
func (m *MockCollaborator) RevokeRole(ctx context.Context, guildID, userID, roleID string) error {
	args := m.Called(ctx, guildID, userID, roleID)
	return args.Error(0)
}

// SendMessage mocks SendMessage.
func (m *MockCollaborator) SendMessage(ctx context.Context, guildID, channelID string, msg collaborator.Message) error {
	args := m.Called(ctx, guildID, channelID, msg)
	return args.Error(0)
}

// SendDirectMessage mocks SendDirectMessage.
func (m *MockCollaborator) SendDirectMessage(ctx context.Context, userID, content string) error {
	args := m.Called(ctx, userID, content)
	return args.Error(0)
}

// FetchMember mocks FetchMember.
func (m *MockCollaborator) FetchMember(ctx context.Context, guildID, userID string) (*collaborator.Member, error) {
	args := m.Called(ctx, guildID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*collaborator.Member), args.Error(1)
}

// ListMembers mocks ListMembers.
func (m *MockCollaborator) ListMembers(ctx context.Context, guildID string) ([]collaborator.Member, error) {
	args := m.Called(ctx, guildID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]collaborator.Member), args.Error(1)
}
