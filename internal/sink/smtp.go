package sink

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
)

// SMTP delivers notifications over SMTP. Broadcasts go to the configured
// subscriber list as a single transaction.
type SMTP struct {
	addr        string
	helo        string
	from        string
	username    string
	password    string
	startTLS    bool
	subscribers []string
	signer      *DKIMSigner
	log         zerolog.Logger

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
	now  func() time.Time
}

// NewSMTP creates an SMTP sink from the config. signer may be nil.
func NewSMTP(cfg Config, signer *DKIMSigner, log zerolog.Logger) *SMTP {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	return &SMTP{
		addr:        cfg.SMTPAddr,
		helo:        cfg.SMTPHelo,
		from:        cfg.SMTPFrom,
		username:    cfg.SMTPUsername,
		password:    cfg.SMTPPassword,
		startTLS:    cfg.SMTPStartTLS,
		subscribers: cfg.SMTPSubscribers,
		signer:      signer,
		log:         log,
		dial:        dialer.DialContext,
		now:         time.Now,
	}
}

func (s *SMTP) Name() string { return "smtp" }

// recipients expands the message audience.
func (s *SMTP) recipients(msg *Message) ([]string, error) {
	if !msg.IsBroadcast() {
		return []string{msg.Recipient}, nil
	}
	if len(s.subscribers) == 0 {
		return nil, &Error{Sink: "smtp", Message: "broadcast", Permanent: true, Err: ErrNoSubscribers}
	}
	return s.subscribers, nil
}

// Send renders, optionally signs and transmits the message.
func (s *SMTP) Send(ctx context.Context, msg *Message) (*Result, error) {
	to, err := s.recipients(msg)
	if err != nil {
		return nil, err
	}

	raw := s.render(msg, to)
	if s.signer != nil {
		raw, err = s.signer.Sign(raw, s.from)
		if err != nil {
			return nil, &Error{Sink: "smtp", Message: "sign", Permanent: true, Err: err}
		}
	}

	if err := s.transmit(ctx, to, raw); err != nil {
		return nil, classifySMTPError(err)
	}

	return &Result{
		MessageID: msg.ID,
		Status:    StatusSent,
		Timestamp: s.now(),
		Metadata:  map[string]string{"recipients": fmt.Sprintf("%d", len(to))},
	}, nil
}

// render builds an RFC 5322 message with CRLF line endings.
func (s *SMTP) render(msg *Message, to []string) []byte {
	var b bytes.Buffer
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}

	header("From", s.from)
	if msg.IsBroadcast() {
		header("To", "undisclosed-recipients:;")
	} else {
		header("To", strings.Join(to, ", "))
	}
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", s.now().UTC().Format(time.RFC1123Z))
	header("Message-ID", fmt.Sprintf("<%s@%s>", msg.ID, domainOf(s.from)))
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=utf-8")
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")

	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

// transmit runs one SMTP transaction honoring ctx for the dial and as an
// overall connection deadline.
func (s *SMTP) transmit(ctx context.Context, to []string, raw []byte) error {
	conn, err := s.dial(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := s.newClient(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if s.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.Mail(s.from, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}

	if err := c.Quit(); err != nil {
		s.log.Debug().Err(err).Msg("smtp quit failed after successful data")
	}
	return nil
}

// newClient greets the server. With STARTTLS the client upgrades the
// connection during the greeting and introduces itself as "localhost";
// the configured HELO name is used on plain connections only.
func (s *SMTP) newClient(conn net.Conn) (*gosmtp.Client, error) {
	if s.startTLS {
		host, _, _ := net.SplitHostPort(s.addr)
		c, err := gosmtp.NewClientStartTLS(conn, &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
		if err != nil {
			return nil, fmt.Errorf("starttls: %w", err)
		}
		return c, nil
	}

	c := gosmtp.NewClient(conn)
	if err := c.Hello(s.helo); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("helo: %w", err)
	}
	return c, nil
}

// HealthCheck opens a connection and greets the server.
func (s *SMTP) HealthCheck(ctx context.Context) error {
	conn, err := s.dial(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("smtp: dial %s: %w", s.addr, err)
	}
	c := gosmtp.NewClient(conn)
	defer c.Close()
	if err := c.Hello(s.helo); err != nil {
		return fmt.Errorf("smtp: helo: %w", err)
	}
	return c.Quit()
}

// classifySMTPError marks 5xx replies as permanent.
func classifySMTPError(err error) error {
	se := &Error{Sink: "smtp", Message: "transmit", Err: err}
	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		se.Code = smtpErr.Code
		se.Permanent = smtpErr.Code >= 500
	}
	return se
}
