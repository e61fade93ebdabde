package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"net/textproto"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/weftd/weft/internal/plugin"
)

type staticAuth struct {
	token string
	calls int
}

func (a *staticAuth) Do(ctx context.Context, userID, provider string, call func(ctx context.Context, token string) error) error {
	a.calls++
	return call(ctx, a.token)
}

func testConfig() Config {
	return Config{
		Address:  "weft@example.com",
		IMAPHost: "imap.example.com",
		IMAPPort: 993,
		SMTPHost: "smtp.example.com",
		SMTPPort: 587,
	}
}

func TestNewMessageCriteria(t *testing.T) {
	since := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	criteria, err := newMessageCriteria(map[string]any{
		"from":           "billing@acme.com",
		"subject":        "invoice",
		"body":           "overdue",
		"has_attachment": true,
	}, since)
	if err != nil {
		t.Fatalf("newMessageCriteria: %v", err)
	}

	if !criteria.Since.Equal(since) {
		t.Errorf("Since = %v, want %v", criteria.Since, since)
	}
	if len(criteria.Body) != 1 || criteria.Body[0] != "overdue" {
		t.Errorf("Body = %v", criteria.Body)
	}

	headers := make(map[string]string)
	for _, h := range criteria.Header {
		headers[h.Key] = h.Value
	}
	if headers["From"] != "billing@acme.com" {
		t.Errorf("From header = %q", headers["From"])
	}
	if headers["Subject"] != "invoice" {
		t.Errorf("Subject header = %q", headers["Subject"])
	}
	if headers["Content-Type"] != "multipart/mixed" {
		t.Errorf("Content-Type header = %q, want multipart/mixed for attachments", headers["Content-Type"])
	}
}

func TestNewMessageCriteriaNoFilters(t *testing.T) {
	criteria, err := newMessageCriteria(nil, time.Now())
	if err != nil {
		t.Fatalf("newMessageCriteria: %v", err)
	}
	if len(criteria.Header) != 0 || len(criteria.Body) != 0 {
		t.Errorf("expected bare criteria, got %+v", criteria)
	}
}

func TestScamCriteriaCoversAllKeywords(t *testing.T) {
	crit := scamCriteria(time.Now())

	var collect func(c *imap.SearchCriteria, seen map[string]bool)
	collect = func(c *imap.SearchCriteria, seen map[string]bool) {
		for _, text := range c.Text {
			seen[text] = true
		}
		for _, pair := range c.Or {
			collect(&pair[0], seen)
			collect(&pair[1], seen)
		}
	}

	seen := make(map[string]bool)
	collect(crit, seen)
	for _, kw := range scamKeywords {
		if !seen[kw] {
			t.Errorf("keyword %q missing from criteria", kw)
		}
	}
	if crit.Since.IsZero() {
		t.Error("criteria missing Since anchor")
	}
}

func TestSinceForBoundsLookback(t *testing.T) {
	p := New(testConfig(), &staticAuth{}, nil)
	fixed := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	// A recent watermark is used as-is.
	recent := fixed.Add(-time.Minute)
	if got := p.sinceFor(recent); !got.Equal(recent) {
		t.Errorf("sinceFor(recent) = %v, want %v", got, recent)
	}

	// An ancient watermark is clamped to the lookback floor.
	old := fixed.Add(-30 * 24 * time.Hour)
	if got := p.sinceFor(old); !got.Equal(fixed.Add(-lookback)) {
		t.Errorf("sinceFor(old) = %v, want %v", got, fixed.Add(-lookback))
	}
}

func TestNewMessageColdStart(t *testing.T) {
	auth := &staticAuth{token: "tok-1"}
	p := New(testConfig(), auth, nil)

	res, err := p.newMessageCondition(context.Background(), plugin.EvalInput{UserID: "u1"})
	if err != nil {
		t.Fatalf("newMessageCondition: %v", err)
	}
	if res.Matched {
		t.Error("nil watermark must not match")
	}
	if auth.calls != 0 {
		t.Errorf("cold start dialed IMAP %d times, want 0", auth.calls)
	}
}

func TestMessageUID(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]any
		want    imap.UID
		wantErr bool
	}{
		{name: "float from json", params: map[string]any{"message_uid": float64(42)}, want: 42},
		{name: "int literal", params: map[string]any{"message_uid": 7}, want: 7},
		{name: "uint32 from evidence", params: map[string]any{"message_uid": uint32(99)}, want: 99},
		{name: "missing", params: map[string]any{}, wantErr: true},
		{name: "wrong type", params: map[string]any{"message_uid": "42"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := messageUID(tt.params)
			if tt.wantErr {
				var cfgErr *plugin.ConfigError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("want ConfigError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("messageUID: %v", err)
			}
			if got != tt.want {
				t.Errorf("messageUID = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSendEmailRejectsEmptyRecipients(t *testing.T) {
	p := New(testConfig(), &staticAuth{token: "tok-1"}, nil)
	err := p.sendEmailAction(context.Background(), plugin.ExecInput{
		UserID: "u1",
		Params: map[string]any{"to": " , ", "subject": "hi", "body": "x"},
	})
	var cfgErr *plugin.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigError, got %v", err)
	}
}

func TestExtractAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Ada Lovelace <ada@example.com>", "ada@example.com"},
		{"plain@example.com", "plain@example.com"},
		{"<wrapped@example.com>", "wrapped@example.com"},
	}
	for _, tt := range tests {
		if got := extractAddress(tt.in); got != tt.want {
			t.Errorf("extractAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRegister(t *testing.T) {
	p := New(testConfig(), &staticAuth{token: "tok-1"}, nil)
	b := plugin.NewBuilder(nil)
	p.Register(b)
	reg := b.Build()

	for _, name := range []string{"new_message", "scam_detector"} {
		if _, ok := reg.Condition(plugin.Key{Provider: Slug, Name: name}); !ok {
			t.Errorf("condition %s not registered", name)
		}
	}
	for _, name := range []string{"trash_message", "send_email"} {
		if _, ok := reg.Action(plugin.Key{Provider: Slug, Name: name}); !ok {
			t.Errorf("action %s not registered", name)
		}
	}
}

func TestTrashDefaultFolder(t *testing.T) {
	cfg := testConfig()
	cfg.TrashFolder = ""
	p := New(cfg, &staticAuth{}, nil)
	if p.cfg.TrashFolder != "Trash" {
		t.Errorf("TrashFolder = %q, want Trash", p.cfg.TrashFolder)
	}
}

func TestXOAUTH2Start(t *testing.T) {
	a := &xoauth2Auth{username: "weft@example.com", token: "tok-1"}

	mech, resp, err := a.Start(&smtp.ServerInfo{Name: "smtp.example.com", TLS: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if mech != "XOAUTH2" {
		t.Errorf("mechanism = %q, want XOAUTH2", mech)
	}
	want := "user=weft@example.com\x01auth=Bearer tok-1\x01\x01"
	if string(resp) != want {
		t.Errorf("initial response = %q, want %q", resp, want)
	}

	if _, _, err := a.Start(&smtp.ServerInfo{Name: "smtp.example.com"}); err == nil {
		t.Error("Start over plaintext should fail")
	}
}

func TestSMTPAuthRejectionMapsToExpired(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "bad credentials", err: &textproto.Error{Code: 535, Msg: "5.7.8 authentication credentials invalid"}, want: true},
		{name: "auth required", err: &textproto.Error{Code: 530, Msg: "5.7.0 authentication required"}, want: true},
		{name: "wrapped reply", err: fmt.Errorf("AUTH: %w", &textproto.Error{Code: 535, Msg: "rejected"}), want: true},
		{name: "transient failure", err: &textproto.Error{Code: 454, Msg: "4.7.0 temporary failure"}, want: false},
		{name: "plain error", err: errors.New("connection reset"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSMTPAuthRejection(tt.err); got != tt.want {
				t.Errorf("isSMTPAuthRejection(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
