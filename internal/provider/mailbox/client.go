package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/weftd/weft/internal/credential"
)

// session is one short-lived authenticated IMAP connection. Each
// evaluation dials, works, and logs out; the engine's per-call
// timeout bounds the whole exchange.
type session struct {
	c *imapclient.Client
}

// dial connects to the IMAP server and authenticates with an
// OAUTHBEARER token. A rejected bearer token surfaces as ErrExpired
// so the credential layer refreshes and retries once.
func (p *Provider) dial(ctx context.Context, token string) (*session, error) {
	addr := net.JoinHostPort(p.cfg.IMAPHost, fmt.Sprintf("%d", p.cfg.IMAPPort))

	opts := imapclient.Options{
		TLSConfig: &tls.Config{ServerName: p.cfg.IMAPHost},
	}
	c, err := imapclient.DialTLS(addr, &opts)
	if err != nil {
		return nil, fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: p.cfg.Address,
		Token:    token,
		Host:     p.cfg.IMAPHost,
		Port:     p.cfg.IMAPPort,
	})
	if err := c.Authenticate(auth); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("imap auth for %s: %w", p.cfg.Address, credential.ErrExpired)
	}

	return &session{c: c}, nil
}

func (s *session) close() {
	_ = s.c.Logout().Wait()
	_ = s.c.Close()
}

// envelope is the subset of message metadata the triggers need.
type envelope struct {
	UID     imap.UID
	Subject string
	From    string
	Date    time.Time
}

// search runs a UID search in folder and returns envelopes for the
// matching messages, newest-first.
func (s *session) search(folder string, criteria *imap.SearchCriteria) ([]envelope, error) {
	if _, err := s.c.Select(folder, nil).Wait(); err != nil {
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}

	searchData, err := s.c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", folder, err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	fetchCmd := s.c.Fetch(uidSet, &imap.FetchOptions{
		UID:      true,
		Envelope: true,
	})

	var envelopes []envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		env, err := parseMessageData(msg)
		if err != nil {
			continue
		}
		envelopes = append(envelopes, env)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}

	// Newest-first by UID.
	for i, j := 0, len(envelopes)-1; i < j; i, j = i+1, j-1 {
		envelopes[i], envelopes[j] = envelopes[j], envelopes[i]
	}
	return envelopes, nil
}

// move relocates one message out of folder. The server's MOVE
// extension is used when available, with COPY + EXPUNGE as the
// library's fallback.
func (s *session) move(folder string, uid imap.UID, dest string) error {
	if _, err := s.c.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", folder, err)
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(uid)

	if _, err := s.c.Move(uidSet, dest).Wait(); err != nil {
		return fmt.Errorf("move to %s: %w", dest, err)
	}
	return nil
}

// parseMessageData extracts an envelope from IMAP fetch response items.
func parseMessageData(msg *imapclient.FetchMessageData) (envelope, error) {
	var env envelope

	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			env.UID = data.UID
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				env.Date = data.Envelope.Date
				env.Subject = data.Envelope.Subject
				if len(data.Envelope.From) > 0 {
					env.From = formatAddress(data.Envelope.From[0])
				}
			}
		}
	}

	if env.UID == 0 {
		return env, fmt.Errorf("message missing UID")
	}
	return env, nil
}

// formatAddress formats an IMAP address as "Name <user@host>" or just
// "user@host" when no display name is set.
func formatAddress(addr imap.Address) string {
	email := addr.Addr()
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, email)
	}
	return email
}
