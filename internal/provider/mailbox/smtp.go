package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/weftd/weft/internal/credential"
)

// smtpDialTimeout is the maximum time to establish an SMTP connection.
const smtpDialTimeout = 30 * time.Second

// xoauth2Auth implements SASL XOAUTH2 for net/smtp: a single initial
// response carrying the bearer token, plus an empty reply to the
// server's error challenge so the failure status comes through.
type xoauth2Auth struct {
	username string
	token    string
}

func (a *xoauth2Auth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, fmt.Errorf("xoauth2 requires TLS")
	}
	resp := []byte("user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01")
	return "XOAUTH2", resp, nil
}

func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		return []byte{}, nil
	}
	return nil, nil
}

// sendMail connects to the SMTP server, authenticates with the bearer
// token, and delivers msg. Connections are ephemeral: each call opens
// and closes its own. msg must be a complete RFC 5322 message as
// returned by composeMessage.
func (p *Provider) sendMail(ctx context.Context, token string, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(p.cfg.SMTPHost, fmt.Sprintf("%d", p.cfg.SMTPPort))

	dialTimeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var client *smtp.Client
	if !p.cfg.SMTPStartTLS {
		// Implicit TLS (port 465): connect over TLS from the start.
		tlsCfg := &tls.Config{ServerName: p.cfg.SMTPHost}
		conn, dialErr := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
		if dialErr != nil {
			return fmt.Errorf("dial SMTPS %s: %w", addr, dialErr)
		}
		c, err := smtp.NewClient(conn, p.cfg.SMTPHost)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
		client = c
	} else {
		// STARTTLS (port 587): connect plain, then upgrade.
		conn, dialErr := dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return fmt.Errorf("dial SMTP %s: %w", addr, dialErr)
		}
		c, err := smtp.NewClient(conn, p.cfg.SMTPHost)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
		client = c
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}

	if p.cfg.SMTPStartTLS {
		tlsCfg := &tls.Config{ServerName: p.cfg.SMTPHost}
		if err := client.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}

	if err := client.Auth(&xoauth2Auth{username: p.cfg.Address, token: token}); err != nil {
		if isSMTPAuthRejection(err) {
			return fmt.Errorf("smtp auth for %s: %w", p.cfg.Address, credential.ErrExpired)
		}
		return fmt.Errorf("AUTH: %w", err)
	}

	if err := client.Mail(p.cfg.Address); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}

	return client.Quit()
}

// isSMTPAuthRejection reports whether err is a 53x authentication
// reply (535 "authentication credentials invalid" and friends). Those
// mean the bearer token was refused, so the caller gets
// [credential.ErrExpired] and the refresh-once protocol can run, same
// as the IMAP path.
func isSMTPAuthRejection(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && tpErr.Code >= 530 && tpErr.Code < 540
}

// extractAddress extracts the bare email address from a string in
// "Name <addr>" or plain "addr" format.
func extractAddress(s string) string {
	if idx := len(s) - 1; idx > 0 && s[idx] == '>' {
		if start := strings.LastIndexByte(s, '<'); start >= 0 {
			return s[start+1 : idx]
		}
	}
	return s
}
