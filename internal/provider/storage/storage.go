// Package storage implements triggers and reactions against a file
// storage service's OAuth-protected REST API: new files and folders
// as triggers, uploads, folder creation, and renames as reactions.
package storage

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
const Slug = "storage"

// lookback caps how far behind the watermark a new-entry query
// reaches. With one evaluation per tick the watermark is about a tick
// old; anything older was either already seen or predates the rule.
const lookback = 60 * time.Second

// Authorizer runs a call with a valid access token for the user,
// refreshing behind the scenes when the token has expired.
type Authorizer interface {
	Do(ctx context.Context, userID, provider string, call func(ctx context.Context, accessToken string) error) error
}

// Provider talks to the storage service API.
type Provider struct {
	baseURL string
	auth    Authorizer
	http    *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

// New creates the storage provider rooted at baseURL.
func New(baseURL string, auth Authorizer, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    auth,
		http:    httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
		logger:  logger,
		now:     time.Now,
	}
}

// Register adds the storage capabilities to the registry builder.
func (p *Provider) Register(b *plugin.Builder) {
	b.Condition(Slug, "new_file", "a file appeared in storage", p.newFileCondition)
	b.Condition(Slug, "new_folder", "a folder appeared in storage", p.newFolderCondition)
	b.Action(Slug, "upload_file", "write a file into storage", p.uploadFileAction)
	b.Action(Slug, "create_folder", "create a folder", p.createFolderAction)
	b.Action(Slug, "rename_file", "rename a file", p.renameFileAction)
}

type entry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Type      string    `json:"type"` // "file" or "folder"
	CreatedAt time.Time `json:"created_at"`
}

type listResponse struct {
	Items []entry `json:"items"`
}

func (p *Provider) newFileCondition(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
	return p.newEntryCondition(ctx, in, "file")
}

func (p *Provider) newFolderCondition(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
	return p.newEntryCondition(ctx, in, "folder")
}

// newEntryCondition matches when an entry of the given type was
// created after the rule's watermark. The query window never reaches
// further back than the lookback, and a rule with no watermark only
// establishes its baseline.
func (p *Provider) newEntryCondition(ctx context.Context, in plugin.EvalInput, kind string) (plugin.EvalResult, error) {
	folder, err := plugin.OptionalStringParam(in.Params, "folder", "")
	if err != nil {
		return plugin.EvalResult{}, err
	}
	if in.Watermark == nil {
		return plugin.EvalResult{}, nil
	}

	since := *in.Watermark
	if floor := p.now().Add(-lookback); floor.After(since) {
		since = floor
	}

	var res plugin.EvalResult
	err = p.auth.Do(ctx, in.UserID, Slug, func(ctx context.Context, token string) error {
		q := url.Values{
			"type":          {kind},
			"created_after": {since.UTC().Format(time.RFC3339)},
			"limit":         {"1"},
		}
		if folder != "" {
			q.Set("folder", folder)
		}

		var lr listResponse
		if err := p.get(ctx, token, "/v1/files", q, &lr); err != nil {
			return err
		}
		if len(lr.Items) == 0 {
			return nil
		}

		e := lr.Items[0]
		if !e.CreatedAt.After(*in.Watermark) {
			return nil
		}
		res = plugin.EvalResult{
			Matched: true,
			Evidence: map[string]any{
				"entry_id":   e.ID,
				"entry_name": e.Name,
				"entry_path": e.Path,
			},
		}
		return nil
	})
	return res, err
}

// uploadFileAction writes params["content"] to params["path"].
func (p *Provider) uploadFileAction(ctx context.Context, in plugin.ExecInput) error {
	path, err := plugin.StringParam(in.Params, "path")
	if err != nil {
		return err
	}
	content, err := plugin.OptionalStringParam(in.Params, "content", "")
	if err != nil {
		return err
	}

	return p.auth.Do(ctx, in.UserID, Slug, func(ctx context.Context, token string) error {
		if err := p.post(ctx, token, "/v1/files", map[string]string{"path": path, "content": content}); err != nil {
			return err
		}
		p.logger.Debug("storage file uploaded", "path", path)
		return nil
	})
}

// createFolderAction creates the folder params["path"].
func (p *Provider) createFolderAction(ctx context.Context, in plugin.ExecInput) error {
	path, err := plugin.StringParam(in.Params, "path")
	if err != nil {
		return err
	}

	return p.auth.Do(ctx, in.UserID, Slug, func(ctx context.Context, token string) error {
		if err := p.post(ctx, token, "/v1/folders", map[string]string{"path": path}); err != nil {
			return err
		}
		p.logger.Debug("storage folder created", "path", path)
		return nil
	})
}

// renameFileAction moves params["from"] to params["to"].
func (p *Provider) renameFileAction(ctx context.Context, in plugin.ExecInput) error {
	from, err := plugin.StringParam(in.Params, "from")
	if err != nil {
		return err
	}
	to, err := plugin.StringParam(in.Params, "to")
	if err != nil {
		return err
	}

	return p.auth.Do(ctx, in.UserID, Slug, func(ctx context.Context, token string) error {
		if err := p.post(ctx, token, "/v1/files/rename", map[string]string{"from": from, "to": to}); err != nil {
			return err
		}
		p.logger.Debug("storage file renamed", "from", from, "to", to)
		return nil
	})
}

func (p *Provider) get(ctx context.Context, token, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build storage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("storage request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if err := checkStatus(resp, path); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode storage response: %w", err)
	}
	return nil
}

func (p *Provider) post(ctx context.Context, token, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal storage request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build storage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("storage request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	return checkStatus(resp, path)
}

// checkStatus maps HTTP status onto the engine's error taxonomy.
func checkStatus(resp *http.Response, path string) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("storage: %w", credential.ErrExpired)
	case resp.StatusCode == http.StatusNotFound:
		return &plugin.ConfigError{Param: "path", Reason: fmt.Sprintf("%s not found", path)}
	case resp.StatusCode >= 300:
		return fmt.Errorf("storage request %s: status %d: %s",
			path, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256))
	}
	return nil
}
