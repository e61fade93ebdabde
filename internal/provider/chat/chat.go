// Package chat implements the keyword trigger and send-message
// reaction against a chat platform's REST API. The workspace bot
// token is static configuration, not a per-user OAuth credential.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/weftd/weft/internal/httpkit"
	"github.com/weftd/weft/internal/plugin"
)

// Slug is the provider identifier used in rule descriptors.
const Slug = "chat"

// recencyWindow bounds how old the latest channel message may be and
// still count as a keyword match. This is independent of the engine's
// debounce window: the debounce spaces out evaluations, the recency
// window rejects stale messages that happened between them.
const recencyWindow = 90 * time.Second

// Provider talks to the chat platform with the workspace bot token.
type Provider struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

// New creates the chat provider. baseURL points at the platform API
// root; tests point it at a local fake.
func New(baseURL, botToken string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   botToken,
		http:    httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
		logger:  logger,
		now:     time.Now,
	}
}

// Register adds the chat capabilities to the registry builder.
func (p *Provider) Register(b *plugin.Builder) {
	b.Condition(Slug, "keyword", "latest channel message contains a keyword", p.keywordCondition)
	b.Action(Slug, "send_message", "post a message to a channel", p.sendMessageAction)
}

// message is one entry of the channel history response.
type message struct {
	TS    string `json:"ts"` // seconds.fraction epoch timestamp
	Text  string `json:"text"`
	User  string `json:"user"`
	BotID string `json:"bot_id,omitempty"`
}

type historyResponse struct {
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	Messages []message `json:"messages"`
}

// keywordCondition fetches the single most recent message in the
// channel and matches when it is human-authored, contains the keyword
// (case-insensitive), and was posted within the recency window.
func (p *Provider) keywordCondition(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
	channel, err := plugin.StringParam(in.Params, "channel")
	if err != nil {
		return plugin.EvalResult{}, err
	}
	keyword, err := plugin.StringParam(in.Params, "keyword")
	if err != nil {
		return plugin.EvalResult{}, err
	}

	q := url.Values{"channel": {channel}, "limit": {"1"}}
	var hr historyResponse
	if err := p.get(ctx, "/api/conversations.history", q, &hr); err != nil {
		return plugin.EvalResult{}, err
	}
	if !hr.OK {
		if hr.Error == "channel_not_found" {
			return plugin.EvalResult{}, &plugin.ConfigError{Param: "channel", Reason: fmt.Sprintf("unknown channel %q", channel)}
		}
		return plugin.EvalResult{}, fmt.Errorf("chat history for %s: %s", channel, hr.Error)
	}
	if len(hr.Messages) == 0 {
		return plugin.EvalResult{}, nil
	}

	msg := hr.Messages[0]
	if msg.BotID != "" {
		// Never react to bot traffic; a send-message reaction into the
		// same channel would otherwise loop.
		return plugin.EvalResult{}, nil
	}
	if !strings.Contains(strings.ToLower(msg.Text), strings.ToLower(keyword)) {
		return plugin.EvalResult{}, nil
	}

	posted, err := parseTS(msg.TS)
	if err != nil {
		return plugin.EvalResult{}, fmt.Errorf("parse message ts %q: %w", msg.TS, err)
	}
	if p.now().Sub(posted) > recencyWindow {
		return plugin.EvalResult{}, nil
	}

	return plugin.EvalResult{
		Matched: true,
		Evidence: map[string]any{
			"chat_message": msg.Text,
			"chat_user":    msg.User,
			"chat_ts":      msg.TS,
		},
	}, nil
}

type postResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// sendMessageAction posts params["message"] to params["channel"].
func (p *Provider) sendMessageAction(ctx context.Context, in plugin.ExecInput) error {
	channel, err := plugin.StringParam(in.Params, "channel")
	if err != nil {
		return err
	}
	text, err := plugin.StringParam(in.Params, "message")
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{"channel": channel, "text": text})
	if err != nil {
		return fmt.Errorf("marshal post body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build post request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("post message to %s: %w", channel, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post message to %s: status %d: %s",
			channel, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256))
	}

	var pr postResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return fmt.Errorf("decode post response: %w", err)
	}
	if !pr.OK {
		return fmt.Errorf("post message to %s: %s", channel, pr.Error)
	}

	p.logger.Debug("chat message sent", "channel", channel)
	return nil
}

// get performs one authenticated GET and decodes the JSON reply.
func (p *Provider) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("chat request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chat request %s: status %d: %s",
			path, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode chat response: %w", err)
	}
	return nil
}

// parseTS converts the platform's "seconds.fraction" timestamp string.
func parseTS(ts string) (time.Time, error) {
	secs, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0), nil
}
