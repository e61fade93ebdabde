// Package mailbox implements email triggers and reactions over IMAP
// and SMTP. Both directions authenticate with the user's OAuth token
// (OAUTHBEARER on IMAP, XOAUTH2 on SMTP); a rejected token flows
// through the credential layer's refresh-once protocol like any other
// provider call.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/weftd/weft/internal/plugin"
)

// Slug is the provider identifier used in rule descriptors and in the
// credential store.
const Slug = "mailbox"

// lookback caps how far behind the watermark an IMAP SINCE search
// reaches. SINCE is date-granular, so the envelope dates are always
// re-checked against the watermark after the search.
const lookback = 24 * time.Hour

// scamKeywords is the fixed phrase list the scam_detector trigger
// searches for. Matching any one phrase flags the message.
var scamKeywords = []string{
	"lottery winner",
	"wire transfer",
	"inheritance fund",
	"verify your account",
	"urgent payment",
	"prince",
	"claim your prize",
}

// Config holds the mail account the daemon watches and sends from.
type Config struct {
	Address      string // mailbox address, also the SASL username
	IMAPHost     string
	IMAPPort     int
	SMTPHost     string
	SMTPPort     int
	SMTPStartTLS bool
	TrashFolder  string
}

// Authorizer runs a call with a valid access token for the user,
// refreshing behind the scenes when the token has expired.
type Authorizer interface {
	Do(ctx context.Context, userID, provider string, call func(ctx context.Context, accessToken string) error) error
}

// Provider exposes the mailbox conditions and actions.
type Provider struct {
	cfg    Config
	auth   Authorizer
	logger *slog.Logger
	now    func() time.Time
}

// New creates the mailbox provider.
func New(cfg Config, auth Authorizer, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TrashFolder == "" {
		cfg.TrashFolder = "Trash"
	}
	return &Provider{cfg: cfg, auth: auth, logger: logger, now: time.Now}
}

// Register adds the mailbox capabilities to the registry builder.
func (p *Provider) Register(b *plugin.Builder) {
	b.Condition(Slug, "new_message", "a message matching the filters arrived", p.newMessageCondition)
	b.Condition(Slug, "scam_detector", "a message matching known scam phrases arrived", p.scamDetectorCondition)
	b.Action(Slug, "trash_message", "move a message to the trash folder", p.trashMessageAction)
	b.Action(Slug, "send_email", "send an email from the configured account", p.sendEmailAction)
}

// newMessageCriteria builds the IMAP search for the new_message
// filters. All given filters must hold at once.
func newMessageCriteria(params map[string]any, since time.Time) (*imap.SearchCriteria, error) {
	criteria := &imap.SearchCriteria{Since: since}

	from, err := plugin.OptionalStringParam(params, "from", "")
	if err != nil {
		return nil, err
	}
	if from != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{Key: "From", Value: from})
	}

	subject, err := plugin.OptionalStringParam(params, "subject", "")
	if err != nil {
		return nil, err
	}
	if subject != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{Key: "Subject", Value: subject})
	}

	body, err := plugin.OptionalStringParam(params, "body", "")
	if err != nil {
		return nil, err
	}
	if body != "" {
		criteria.Body = append(criteria.Body, body)
	}

	hasAttachment, err := plugin.BoolParam(params, "has_attachment")
	if err != nil {
		return nil, err
	}
	if hasAttachment {
		// Attachments are not directly searchable over IMAP; matching
		// on the multipart/mixed content type is the usual stand-in.
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{Key: "Content-Type", Value: "multipart/mixed"})
	}

	return criteria, nil
}

// scamCriteria builds an OR chain over the scam phrase list, bounded
// by since.
func scamCriteria(since time.Time) *imap.SearchCriteria {
	crit := imap.SearchCriteria{Text: []string{scamKeywords[0]}}
	for _, kw := range scamKeywords[1:] {
		crit = imap.SearchCriteria{
			Or: [][2]imap.SearchCriteria{{crit, {Text: []string{kw}}}},
		}
	}
	crit.Since = since
	return &crit
}

// sinceFor anchors the search window: never before the watermark,
// never further back than the lookback.
func (p *Provider) sinceFor(watermark time.Time) time.Time {
	if floor := p.now().Add(-lookback); floor.After(watermark) {
		return floor
	}
	return watermark
}

func (p *Provider) newMessageCondition(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
	folder, err := plugin.OptionalStringParam(in.Params, "mailbox", "INBOX")
	if err != nil {
		return plugin.EvalResult{}, err
	}
	if in.Watermark == nil {
		return plugin.EvalResult{}, nil
	}

	criteria, err := newMessageCriteria(in.Params, p.sinceFor(*in.Watermark))
	if err != nil {
		return plugin.EvalResult{}, err
	}
	return p.searchCondition(ctx, in, folder, criteria)
}

func (p *Provider) scamDetectorCondition(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
	folder, err := plugin.OptionalStringParam(in.Params, "mailbox", "INBOX")
	if err != nil {
		return plugin.EvalResult{}, err
	}
	if in.Watermark == nil {
		return plugin.EvalResult{}, nil
	}

	return p.searchCondition(ctx, in, folder, scamCriteria(p.sinceFor(*in.Watermark)))
}

// searchCondition runs one IMAP search and matches on the newest
// message whose envelope date is past the watermark.
func (p *Provider) searchCondition(ctx context.Context, in plugin.EvalInput, folder string, criteria *imap.SearchCriteria) (plugin.EvalResult, error) {
	var res plugin.EvalResult
	err := p.auth.Do(ctx, in.UserID, Slug, func(ctx context.Context, token string) error {
		s, err := p.dial(ctx, token)
		if err != nil {
			return err
		}
		defer s.close()

		envelopes, err := s.search(folder, criteria)
		if err != nil {
			return err
		}
		if len(envelopes) == 0 {
			return nil
		}

		newest := envelopes[0]
		if !newest.Date.After(*in.Watermark) {
			return nil
		}
		res = plugin.EvalResult{
			Matched: true,
			Evidence: map[string]any{
				"message_uid": uint32(newest.UID),
				"mailbox":     folder,
				"subject":     newest.Subject,
				"from":        newest.From,
			},
		}
		return nil
	})
	return res, err
}

// trashMessageAction moves the message named by params["message_uid"]
// (normally trigger evidence) to the configured trash folder.
func (p *Provider) trashMessageAction(ctx context.Context, in plugin.ExecInput) error {
	uid, err := messageUID(in.Params)
	if err != nil {
		return err
	}
	folder, err := plugin.OptionalStringParam(in.Params, "mailbox", "INBOX")
	if err != nil {
		return err
	}

	return p.auth.Do(ctx, in.UserID, Slug, func(ctx context.Context, token string) error {
		s, err := p.dial(ctx, token)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.move(folder, uid, p.cfg.TrashFolder); err != nil {
			return err
		}
		p.logger.Info("message trashed",
			"mailbox", folder,
			"uid", uint32(uid),
			"dest", p.cfg.TrashFolder,
		)
		return nil
	})
}

// sendEmailAction composes and delivers a markdown email to
// params["to"] (a single address or a comma-separated list).
func (p *Provider) sendEmailAction(ctx context.Context, in plugin.ExecInput) error {
	to, err := plugin.StringParam(in.Params, "to")
	if err != nil {
		return err
	}
	subject, err := plugin.StringParam(in.Params, "subject")
	if err != nil {
		return err
	}
	body, err := plugin.OptionalStringParam(in.Params, "body", "")
	if err != nil {
		return err
	}

	var toAddrs []string
	for _, a := range strings.Split(to, ",") {
		if a = strings.TrimSpace(a); a != "" {
			toAddrs = append(toAddrs, a)
		}
	}
	if len(toAddrs) == 0 {
		return &plugin.ConfigError{Param: "to", Reason: "no recipient addresses"}
	}

	msg, err := composeMessage(composeOptions{
		From:    p.cfg.Address,
		To:      toAddrs,
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		return &plugin.ConfigError{Param: "to", Reason: err.Error()}
	}

	recipients := make([]string, 0, len(toAddrs))
	for _, a := range toAddrs {
		recipients = append(recipients, extractAddress(a))
	}

	return p.auth.Do(ctx, in.UserID, Slug, func(ctx context.Context, token string) error {
		if err := p.sendMail(ctx, token, recipients, msg); err != nil {
			return err
		}
		p.logger.Info("email sent",
			"to", strings.Join(recipients, ","),
			"subject", subject,
		)
		return nil
	})
}

// messageUID reads the "message_uid" parameter, accepting the numeric
// types that survive a JSON round trip.
func messageUID(params map[string]any) (imap.UID, error) {
	v, ok := params["message_uid"]
	if !ok {
		return 0, &plugin.ConfigError{Param: "message_uid", Reason: "required"}
	}
	switch n := v.(type) {
	case float64:
		return imap.UID(n), nil
	case int:
		return imap.UID(n), nil
	case uint32:
		return imap.UID(n), nil
	default:
		return 0, &plugin.ConfigError{Param: "message_uid", Reason: fmt.Sprintf("expected number, got %T", v)}
	}
}
