// Package github implements repository event triggers and issue
// reactions using the GitHub REST API via go-github.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/weftd/weft/internal/credential"
	"github.com/weftd/weft/internal/plugin"
)

// Slug is the provider identifier used in rule descriptors and in the
// credential store.
const Slug = "github"

// Authorizer runs a call with a valid access token for the user,
// refreshing behind the scenes when the token has expired.
type Authorizer interface {
	Do(ctx context.Context, userID, provider string, call func(ctx context.Context, accessToken string) error) error
}

// Provider exposes GitHub conditions and actions. Each API call goes
// through the authorizer so an expired token is refreshed and retried
// once without the engine knowing.
type Provider struct {
	baseURL string // empty means api.github.com
	auth    Authorizer
	logger  *slog.Logger
}

// New creates the GitHub provider. baseURL overrides the API root for
// tests; leave it empty in production.
func New(baseURL string, auth Authorizer, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{baseURL: baseURL, auth: auth, logger: logger}
}

// Register adds the GitHub capabilities to the registry builder.
func (p *Provider) Register(b *plugin.Builder) {
	b.Condition(Slug, "push", "a commit was pushed to a repository", p.pushCondition)
	b.Condition(Slug, "pull_request", "a pull request was opened", p.pullRequestCondition)
	b.Condition(Slug, "new_issue", "an issue was opened", p.newIssueCondition)
	b.Condition(Slug, "issue_assigned", "an issue was assigned to a user", p.issueAssignedCondition)
	b.Action(Slug, "create_issue", "open an issue in a repository", p.createIssueAction)
	b.Action(Slug, "add_comment", "comment on an issue or pull request", p.addCommentAction)
}

// client builds an authenticated go-github client.
func (p *Provider) client(token string) (*gogithub.Client, error) {
	c := gogithub.NewClient(nil).WithAuthToken(token)
	if p.baseURL != "" {
		u, err := url.Parse(strings.TrimRight(p.baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		c.BaseURL = u
		c.UploadURL = u
	}
	return c, nil
}

// splitRepo splits a "owner/repo" string into its two parts.
func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &plugin.ConfigError{Param: "repo", Reason: fmt.Sprintf("invalid repo %q: expected owner/repo", repo)}
	}
	return parts[0], parts[1], nil
}

// checkRateLimit logs a warning when remaining API calls drop below threshold.
func (p *Provider) checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining < 100 {
		p.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// apiErr maps GitHub API failures onto the engine's error taxonomy:
// 401 means the access token is stale, 404 means the rule points at a
// repository the user cannot see. Everything else stays transient.
func apiErr(err error, repo string) error {
	var ghErr *gogithub.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("github: %w", credential.ErrExpired)
		case http.StatusNotFound:
			return &plugin.ConfigError{Param: "repo", Reason: fmt.Sprintf("repository %q not found", repo)}
		}
	}
	return err
}

// pushCondition matches when the newest commit on the repository (or
// a specific branch) is more recent than the rule's watermark. A rule
// that has never run does not match: the first evaluation only
// establishes the baseline.
func (p *Provider) pushCondition(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
	repo, err := plugin.StringParam(in.Params, "repo")
	if err != nil {
		return plugin.EvalResult{}, err
	}
	branch, err := plugin.OptionalStringParam(in.Params, "branch", "")
	if err != nil {
		return plugin.EvalResult{}, err
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return plugin.EvalResult{}, err
	}
	if in.Watermark == nil {
		return plugin.EvalResult{}, nil
	}

	var res plugin.EvalResult
	err = p.auth.Do(ctx, in.UserID, Slug, func(ctx context.Context, token string) error {
		client, err := p.client(token)
		if err != nil {
			return err
		}
		commits, resp, err := client.Repositories.ListCommits(ctx, owner, name, &gogithub.CommitsListOptions{
			SHA:         branch,
			ListOptions: gogithub.ListOptions{PerPage: 1},
		})
		if err != nil {
			return apiErr(err, repo)
		}
		p.checkRateLimit(resp)
		if len(commits) == 0 {
			return nil
		}

		c := commits[0]
		when := c.GetCommit().GetCommitter().GetDate().Time
		if !when.After(*in.Watermark) {
			return nil
		}
		res = plugin.EvalResult{
			Matched: true,
			Evidence: map[string]any{
				"commit_sha":     c.GetSHA(),
				"commit_message": c.GetCommit().GetMessage(),
				"commit_author":  c.GetCommit().GetAuthor().GetName(),
				"repo":           repo,
			},
		}
		return nil
	})
	return res, err
}

// pullRequestCondition matches when a pull request was opened after
// the rule's watermark.
func (p *Provider) pullRequestCondition(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
	repo, err := plugin.StringParam(in.Params, "repo")
	if err != nil {
		return plugin.EvalResult{}, err
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return plugin.EvalResult{}, err
	}
	if in.Watermark == nil {
		return plugin.EvalResult{}, nil
	}

	var res plugin.EvalResult
	err = p.auth.Do(ctx, in.UserID, Slug, func(ctx context.Context, token string) error {
		client, err := p.client(token)
		if err != nil {
			return err
		}
		prs, resp, err := client.PullRequests.List(ctx, owner, name, &gogithub.PullRequestListOptions{
			State:       "all",
			Sort:        "created",
			Direction:   "desc",
			ListOptions: gogithub.ListOptions{PerPage: 1},
		})
		if err != nil {
			return apiErr(err, repo)
		}
		p.checkRateLimit(resp)
		if len(prs) == 0 {
			return nil
		}

		pr := prs[0]
		if !pr.GetCreatedAt().Time.After(*in.Watermark) {
			return nil
		}
		res = plugin.EvalResult{
			Matched: true,
			Evidence: map[string]any{
				"pr_number": pr.GetNumber(),
				"pr_title":  pr.GetTitle(),
				"pr_author": pr.GetUser().GetLogin(),
				"repo":      repo,
			},
		}
		return nil
	})
	return res, err
}

// newIssueCondition matches when an issue was opened after the rule's
// watermark. Pull requests returned by the issues endpoint are
// ignored.
func (p *Provider) newIssueCondition(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
	repo, err := plugin.StringParam(in.Params, "repo")
	if err != nil {
		return plugin.EvalResult{}, err
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return plugin.EvalResult{}, err
	}
	if in.Watermark == nil {
		return plugin.EvalResult{}, nil
	}

	var res plugin.EvalResult
	err = p.auth.Do(ctx, in.UserID, Slug, func(ctx context.Context, token string) error {
		client, err := p.client(token)
		if err != nil {
			return err
		}
		issues, resp, err := client.Issues.ListByRepo(ctx, owner, name, &gogithub.IssueListByRepoOptions{
			State:       "all",
			Sort:        "created",
			Direction:   "desc",
			ListOptions: gogithub.ListOptions{PerPage: 5},
		})
		if err != nil {
			return apiErr(err, repo)
		}
		p.checkRateLimit(resp)

		for _, issue := range issues {
			// skip pull requests returned by the issues endpoint
			if issue.IsPullRequest() {
				continue
			}
			if !issue.GetCreatedAt().Time.After(*in.Watermark) {
				return nil
			}
			res = plugin.EvalResult{
				Matched: true,
				Evidence: map[string]any{
					"issue_number": issue.GetNumber(),
					"issue_title":  issue.GetTitle(),
					"issue_author": issue.GetUser().GetLogin(),
					"repo":         repo,
				},
			}
			return nil
		}
		return nil
	})
	return res, err
}

// issueAssignedCondition matches when an issue assigned to the given
// user saw activity after the rule's watermark.
func (p *Provider) issueAssignedCondition(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
	repo, err := plugin.StringParam(in.Params, "repo")
	if err != nil {
		return plugin.EvalResult{}, err
	}
	assignee, err := plugin.StringParam(in.Params, "assignee")
	if err != nil {
		return plugin.EvalResult{}, err
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return plugin.EvalResult{}, err
	}
	if in.Watermark == nil {
		return plugin.EvalResult{}, nil
	}

	var res plugin.EvalResult
	err = p.auth.Do(ctx, in.UserID, Slug, func(ctx context.Context, token string) error {
		client, err := p.client(token)
		if err != nil {
			return err
		}
		issues, resp, err := client.Issues.ListByRepo(ctx, owner, name, &gogithub.IssueListByRepoOptions{
			State:       "open",
			Assignee:    assignee,
			Sort:        "updated",
			Direction:   "desc",
			ListOptions: gogithub.ListOptions{PerPage: 1},
		})
		if err != nil {
			return apiErr(err, repo)
		}
		p.checkRateLimit(resp)
		if len(issues) == 0 {
			return nil
		}

		issue := issues[0]
		if !issue.GetUpdatedAt().Time.After(*in.Watermark) {
			return nil
		}
		res = plugin.EvalResult{
			Matched: true,
			Evidence: map[string]any{
				"issue_number": issue.GetNumber(),
				"issue_title":  issue.GetTitle(),
				"assignee":     assignee,
				"repo":         repo,
			},
		}
		return nil
	})
	return res, err
}

// createIssueAction opens an issue in params["repo"] with
// params["title"] and an optional params["body"].
func (p *Provider) createIssueAction(ctx context.Context, in plugin.ExecInput) error {
	repo, err := plugin.StringParam(in.Params, "repo")
	if err != nil {
		return err
	}
	title, err := plugin.StringParam(in.Params, "title")
	if err != nil {
		return err
	}
	body, err := plugin.OptionalStringParam(in.Params, "body", "")
	if err != nil {
		return err
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	return p.auth.Do(ctx, in.UserID, Slug, func(ctx context.Context, token string) error {
		client, err := p.client(token)
		if err != nil {
			return err
		}
		issue, resp, err := client.Issues.Create(ctx, owner, name, &gogithub.IssueRequest{
			Title: &title,
			Body:  &body,
		})
		if err != nil {
			return apiErr(err, repo)
		}
		p.checkRateLimit(resp)
		p.logger.Info("github issue created",
			"repo", repo,
			"number", issue.GetNumber(),
		)
		return nil
	})
}

// addCommentAction posts params["comment"] on issue params["issue"].
func (p *Provider) addCommentAction(ctx context.Context, in plugin.ExecInput) error {
	repo, err := plugin.StringParam(in.Params, "repo")
	if err != nil {
		return err
	}
	number, err := plugin.FloatParam(in.Params, "issue")
	if err != nil {
		return err
	}
	comment, err := plugin.StringParam(in.Params, "comment")
	if err != nil {
		return err
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	return p.auth.Do(ctx, in.UserID, Slug, func(ctx context.Context, token string) error {
		client, err := p.client(token)
		if err != nil {
			return err
		}
		_, resp, err := client.Issues.CreateComment(ctx, owner, name, int(number), &gogithub.IssueComment{
			Body: &comment,
		})
		if err != nil {
			return apiErr(err, repo)
		}
		p.checkRateLimit(resp)
		p.logger.Debug("github comment added",
			"repo", repo,
			"issue", int(number),
		)
		return nil
	})
}
