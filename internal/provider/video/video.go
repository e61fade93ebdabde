// Package video implements triggers and reactions against a video
// platform's OAuth-protected REST API: liked videos and new channel
// subscriptions as triggers, playlist inserts and comments as
// reactions.
package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/weftd/weft/internal/credential"
	"github.com/weftd/weft/internal/httpkit"
	"github.com/weftd/weft/internal/plugin"
)

// Slug is the provider identifier used in rule descriptors and in the
// credential store.
const Slug = "video"

// Authorizer runs a call with a valid access token for the user,
// refreshing behind the scenes when the token has expired.
type Authorizer interface {
	Do(ctx context.Context, userID, provider string, call func(ctx context.Context, accessToken string) error) error
}

// Provider talks to the video platform API.
type Provider struct {
	baseURL string
	auth    Authorizer
	http    *http.Client
	logger  *slog.Logger
}

// New creates the video provider rooted at baseURL.
func New(baseURL string, auth Authorizer, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    auth,
		http:    httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
		logger:  logger,
	}
}

// Register adds the video capabilities to the registry builder.
func (p *Provider) Register(b *plugin.Builder) {
	b.Condition(Slug, "liked_video", "the user liked a new video", p.likedVideoCondition)
	b.Condition(Slug, "new_subscription", "the user subscribed to a new channel", p.newSubscriptionCondition)
	b.Action(Slug, "add_to_playlist", "add a video to a playlist", p.addToPlaylistAction)
	b.Action(Slug, "post_comment", "comment on a video", p.postCommentAction)
}

type likeItem struct {
	VideoID string    `json:"video_id"`
	Title   string    `json:"title"`
	Channel string    `json:"channel"`
	LikedAt time.Time `json:"liked_at"`
}

type likesResponse struct {
	Items []likeItem `json:"items"`
}

// likedVideoCondition matches when the most recent like is newer than
// the rule's watermark. The first evaluation only establishes the
// baseline.
func (p *Provider) likedVideoCondition(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
	if in.Watermark == nil {
		return plugin.EvalResult{}, nil
	}

	var res plugin.EvalResult
	err := p.auth.Do(ctx, in.UserID, Slug, func(ctx context.Context, token string) error {
		var lr likesResponse
		if err := p.get(ctx, token, "/v1/likes", url.Values{"limit": {"1"}}, &lr); err != nil {
			return err
		}
		if len(lr.Items) == 0 {
			return nil
		}

		like := lr.Items[0]
		if !like.LikedAt.After(*in.Watermark) {
			return nil
		}
		res = plugin.EvalResult{
			Matched: true,
			Evidence: map[string]any{
				"video_id":    like.VideoID,
				"video_title": like.Title,
				"channel":     like.Channel,
			},
		}
		return nil
	})
	return res, err
}

type subscriptionItem struct {
	ChannelID    string    `json:"channel_id"`
	Channel      string    `json:"channel"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

type subscriptionsResponse struct {
	Items []subscriptionItem `json:"items"`
}

// newSubscriptionCondition matches when the most recent subscription
// is newer than the rule's watermark.
func (p *Provider) newSubscriptionCondition(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
	if in.Watermark == nil {
		return plugin.EvalResult{}, nil
	}

	var res plugin.EvalResult
	err := p.auth.Do(ctx, in.UserID, Slug, func(ctx context.Context, token string) error {
		var sr subscriptionsResponse
		if err := p.get(ctx, token, "/v1/subscriptions", url.Values{"limit": {"1"}}, &sr); err != nil {
			return err
		}
		if len(sr.Items) == 0 {
			return nil
		}

		sub := sr.Items[0]
		if !sub.SubscribedAt.After(*in.Watermark) {
			return nil
		}
		res = plugin.EvalResult{
			Matched: true,
			Evidence: map[string]any{
				"channel_id": sub.ChannelID,
				"channel":    sub.Channel,
			},
		}
		return nil
	})
	return res, err
}

// addToPlaylistAction inserts params["video_id"] into
// params["playlist"]. The video id typically arrives as evidence from
// the liked_video trigger.
func (p *Provider) addToPlaylistAction(ctx context.Context, in plugin.ExecInput) error {
	playlist, err := plugin.StringParam(in.Params, "playlist")
	if err != nil {
		return err
	}
	videoID, err := plugin.StringParam(in.Params, "video_id")
	if err != nil {
		return err
	}

	return p.auth.Do(ctx, in.UserID, Slug, func(ctx context.Context, token string) error {
		path := fmt.Sprintf("/v1/playlists/%s/items", url.PathEscape(playlist))
		if err := p.post(ctx, token, path, map[string]string{"video_id": videoID}); err != nil {
			return err
		}
		p.logger.Debug("video added to playlist",
			"playlist", playlist,
			"video_id", videoID,
		)
		return nil
	})
}

// postCommentAction posts params["comment"] on params["video_id"].
func (p *Provider) postCommentAction(ctx context.Context, in plugin.ExecInput) error {
	videoID, err := plugin.StringParam(in.Params, "video_id")
	if err != nil {
		return err
	}
	comment, err := plugin.StringParam(in.Params, "comment")
	if err != nil {
		return err
	}

	return p.auth.Do(ctx, in.UserID, Slug, func(ctx context.Context, token string) error {
		path := fmt.Sprintf("/v1/videos/%s/comments", url.PathEscape(videoID))
		if err := p.post(ctx, token, path, map[string]string{"text": comment}); err != nil {
			return err
		}
		p.logger.Debug("video comment posted", "video_id", videoID)
		return nil
	})
}

// get performs one authenticated GET and decodes the JSON reply.
func (p *Provider) get(ctx context.Context, token, path string, q url.Values, out any) error {
	u := p.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build video request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("video request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if err := checkStatus(resp, path); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode video response: %w", err)
	}
	return nil
}

// post performs one authenticated JSON POST, discarding the reply.
func (p *Provider) post(ctx context.Context, token, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal video request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build video request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("video request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	return checkStatus(resp, path)
}

// checkStatus maps HTTP status onto the engine's error taxonomy: 401
// signals an expired token, 404 a misconfigured rule.
func checkStatus(resp *http.Response, path string) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("video: %w", credential.ErrExpired)
	case resp.StatusCode == http.StatusNotFound:
		return &plugin.ConfigError{Param: "video_id", Reason: fmt.Sprintf("%s not found", path)}
	case resp.StatusCode >= 300:
		return fmt.Errorf("video request %s: status %d: %s",
			path, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256))
	}
	return nil
}
