// Package telegram talks to the Telegram Bot API and delivers channel access.
//
// Access is a one-time invite link: member_limit 1 and a one hour expiry, so
// a leaked link is worthless after the buyer joins or the hour passes.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kanalpay/kanalpay/internal/access"
	"github.com/kanalpay/kanalpay/internal/order"
	"github.com/kanalpay/kanalpay/internal/retry"
)

const defaultAPIBase = "https://api.telegram.org"

// inviteTTL is how long a freshly minted invite link stays valid.
const inviteTTL = time.Hour

// Client is a minimal Bot API client covering what delivery needs.
type Client struct {
	token   string
	apiBase string
	http    *http.Client
	now     func() time.Time
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithAPIBase overrides the Bot API base URL (tests).
func WithAPIBase(base string) ClientOption {
	return func(c *Client) { c.apiBase = base }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a Bot API client for the given bot token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		apiBase: defaultAPIBase,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiResponse is the Bot API envelope. Result stays raw so each method can
// decode its own shape.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// call posts one Bot API request. Transport failures and Telegram-side 429/5xx
// responses are retried with backoff; other API errors are returned as-is.
func (c *Client) call(ctx context.Context, method string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s payload: %w", method, err)
	}

	return retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		return c.callOnce(ctx, method, body, out)
	})
}

func (c *Client) callOnce(ctx context.Context, method string, body []byte, out interface{}) error {
	url := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("telegram: build %s request: %w", method, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !envelope.OK {
		err := fmt.Errorf("telegram: %s failed: %d %s", method, envelope.ErrorCode, envelope.Description)
		if envelope.ErrorCode == http.StatusTooManyRequests || envelope.ErrorCode >= 500 {
			return err
		}
		return retry.Permanent(err)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return retry.Permanent(fmt.Errorf("telegram: decode %s result: %w", method, err))
		}
	}
	return nil
}

// CreateInviteLink mints a single-use invite link for the channel, valid for
// one hour and one member.
func (c *Client) CreateInviteLink(ctx context.Context, chatID string) (string, int64, error) {
	expire := c.now().Add(inviteTTL).Unix()
	payload := map[string]interface{}{
		"chat_id":      chatID,
		"member_limit": 1,
		"expire_date":  expire,
	}
	var result struct {
		InviteLink string `json:"invite_link"`
	}
	if err := c.call(ctx, "createChatInviteLink", payload, &result); err != nil {
		return "", 0, err
	}
	return result.InviteLink, expire, nil
}

// SendMessage posts a plain message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	return c.call(ctx, "sendMessage", map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	}, nil)
}

// SendHTML posts an HTML-formatted message with an optional inline keyboard.
func (c *Client) SendHTML(ctx context.Context, chatID, text string, keyboard [][]InlineButton) error {
	payload := map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	if len(keyboard) > 0 {
		payload["reply_markup"] = map[string]interface{}{"inline_keyboard": keyboard}
	}
	return c.call(ctx, "sendMessage", payload, nil)
}

// SetWebhook points the bot's webhook at the given URL. Idempotent.
func (c *Client) SetWebhook(ctx context.Context, url string) error {
	return c.call(ctx, "setWebhook", map[string]interface{}{"url": url}, nil)
}

// InlineButton is a single URL button in an inline keyboard row.
type InlineButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Delivery implements the access gate's issuer and notifier against the
// configured private channel.
type Delivery struct {
	client    *Client
	channelID string
}

// NewDelivery wires the client to the channel access is sold for.
func NewDelivery(client *Client, channelID string) *Delivery {
	return &Delivery{client: client, channelID: channelID}
}

// Issue mints a fresh one-time invite link. Each delivery attempt gets its
// own link; stale links from failed attempts simply expire.
func (d *Delivery) Issue(ctx context.Context, o *order.Order) (*access.Credential, error) {
	channel := d.channelID
	if o.DeliveryPayload != "" {
		channel = o.DeliveryPayload
	}
	link, expiresAt, err := d.client.CreateInviteLink(ctx, channel)
	if err != nil {
		return nil, err
	}
	return &access.Credential{InviteLink: link, ExpiresAt: expiresAt}, nil
}

// Notify sends the invite link to the buyer's chat.
func (d *Delivery) Notify(ctx context.Context, o *order.Order, cred *access.Credential) error {
	text := fmt.Sprintf("✅ To‘lov qabul qilindi!\n\nKanalga kirish: %s", cred.InviteLink)
	return d.client.SendMessage(ctx, o.Recipient, text)
}
