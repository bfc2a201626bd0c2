// Package telegram implements messaging.Transport over the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aisarahjmlh/viletorder/platform/go/messaging"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	maxAttempts    = 3
	retryDelay     = time.Second
	pollTimeout    = 30 // seconds, long-poll window for getUpdates
)

// Client is one token-bound Bot API connection.
type Client struct {
	token   string
	baseURL string
	httpc   *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL overrides the API host; used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// New builds a Client for the given bot token.
func New(token string, opts ...Option) (*Client, error) {
	if !strings.Contains(token, ":") {
		return nil, fmt.Errorf("malformed bot token")
	}
	c := &Client{
		token:   token,
		baseURL: defaultBaseURL,
		httpc:   &http.Client{Timeout: 40 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dialer builds token-bound Clients; it implements messaging.Dialer.
type Dialer struct {
	opts []Option
}

func NewDialer(opts ...Option) *Dialer {
	return &Dialer{opts: opts}
}

func (d *Dialer) Dial(ctx context.Context, credential string) (messaging.Transport, error) {
	return New(credential, d.opts...)
}

var _ messaging.Dialer = (*Dialer)(nil)

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

// call POSTs one Bot API method, retrying transport failures with a linear
// backoff. API-level rejections (ok=false) are permanent and not retried.
func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			lastErr = fmt.Errorf("decode %s response: %w", method, err)
			continue
		}
		if !env.OK {
			return fmt.Errorf("%s: %s", method, env.Description)
		}
		if out != nil {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%s: %w", method, lastErr)
}

// ResolveIdentity implements the getMe round-trip.
func (c *Client) ResolveIdentity(ctx context.Context) (messaging.Identity, error) {
	var me struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	if err := c.call(ctx, "getMe", struct{}{}, &me); err != nil {
		return messaging.Identity{}, err
	}
	return messaging.Identity{ID: strconv.FormatInt(me.ID, 10), Handle: me.Username}, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	}, &msg)
	return msg.MessageID, err
}

func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	return c.call(ctx, "editMessageText", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return c.call(ctx, "deleteMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}, nil)
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		Text      string `json:"text"`
		From      *struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// Listen long-polls getUpdates and dispatches message updates until ctx is
// cancelled. Poll errors are transient; the loop backs off and keeps going.
func (c *Client) Listen(ctx context.Context, fn func(messaging.Update)) error {
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var updates []update
		err := c.call(ctx, "getUpdates", map[string]any{
			"offset":  offset,
			"timeout": pollTimeout,
		}, &updates)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.From == nil {
				continue
			}
			fn(messaging.Update{
				ChatID:   u.Message.Chat.ID,
				UserID:   u.Message.From.ID,
				Username: u.Message.From.Username,
				Text:     u.Message.Text,
			})
		}
	}
}

var (
	_ messaging.Transport = (*Client)(nil)
	_ messaging.Listener  = (*Client)(nil)
)
