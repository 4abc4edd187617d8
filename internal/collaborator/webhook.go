package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	streakerrors "github.com/devrev/streakd/internal/errors"
)

// dmBlockedCode is the platform's error code for a recipient that does not
// accept direct messages
const dmBlockedCode = 50007

// WebhookConfig holds webhook client configuration
type WebhookConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// WebhookClient forwards collaborator calls as JSON requests to a platform
// gateway
type WebhookClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// NewWebhookClient creates a webhook collaborator
func NewWebhookClient(cfg *WebhookConfig, logger *zap.Logger) (*WebhookClient, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid collaborator base URL %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

type platformError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type dmRequest struct {
	Content string `json:"content"`
}

type messageRequest struct {
	GuildID string `json:"guild_id"`
	Message
}

func (c *WebhookClient) GrantRole(ctx context.Context, guildID, userID, roleID string) error {
	return c.do(ctx, "grant_role", http.MethodPut, c.rolePath(guildID, userID, roleID), nil, nil)
}

func (c *WebhookClient) RevokeRole(ctx context.Context, guildID, userID, roleID string) error {
	return c.do(ctx, "revoke_role", http.MethodDelete, c.rolePath(guildID, userID, roleID), nil, nil)
}

func (c *WebhookClient) SendMessage(ctx context.Context, guildID, channelID string, msg Message) error {
	path := "/channels/" + url.PathEscape(channelID) + "/messages"
	return c.do(ctx, "send_message", http.MethodPost, path, messageRequest{GuildID: guildID, Message: msg}, nil)
}

func (c *WebhookClient) SendDirectMessage(ctx context.Context, userID, content string) error {
	path := "/users/" + url.PathEscape(userID) + "/dm"
	err := c.do(ctx, "send_dm", http.MethodPost, path, dmRequest{Content: content}, nil)
	if err != nil && streakerrors.GetCode(err) == streakerrors.ErrCodeDmBlocked {
		return streakerrors.DmBlocked(userID)
	}
	return err
}

func (c *WebhookClient) FetchMember(ctx context.Context, guildID, userID string) (*Member, error) {
	var m Member
	path := "/guilds/" + url.PathEscape(guildID) + "/members/" + url.PathEscape(userID)
	if err := c.do(ctx, "fetch_member", http.MethodGet, path, nil, &m); err != nil {
		if streakerrors.IsNotFound(err) {
			return nil, streakerrors.NotFound("member", userID).WithDetail("guild_id", guildID)
		}
		return nil, err
	}
	if m.UserID == "" {
		m.UserID = userID
	}
	return &m, nil
}

func (c *WebhookClient) ListMembers(ctx context.Context, guildID string) ([]Member, error) {
	var members []Member
	path := "/guilds/" + url.PathEscape(guildID) + "/members"
	if err := c.do(ctx, "list_members", http.MethodGet, path, nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// Close releases idle connections
func (c *WebhookClient) Close() {
	c.client.CloseIdleConnections()
}

func (c *WebhookClient) rolePath(guildID, userID, roleID string) string {
	return "/guilds/" + url.PathEscape(guildID) +
		"/members/" + url.PathEscape(userID) +
		"/roles/" + url.PathEscape(roleID)
}

// do sends one request and maps the response status onto the error taxonomy
func (c *WebhookClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return streakerrors.InternalError("failed to marshal request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return streakerrors.InternalError("failed to create request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bot "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return streakerrors.ExternalCallFailed(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return streakerrors.ExternalCallFailed(op, fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var perr platformError
	_ = json.Unmarshal(raw, &perr)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return streakerrors.NotFound("resource", path).WithDetail("operation", op)
	case resp.StatusCode == http.StatusForbidden && perr.Code == dmBlockedCode:
		return streakerrors.NewStreakError(streakerrors.ErrCodeDmBlocked, "recipient does not accept direct messages", nil)
	default:
		c.logger.Debug("Platform call failed",
			zap.String("operation", op),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", raw))
		return streakerrors.ExternalCallFailed(op, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))).
			WithDetail("status", resp.StatusCode)
	}
}
