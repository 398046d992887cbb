package sink

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
)

type receivedMail struct {
	from string
	to   []string
	data string
}

// captureBackend is a go-smtp backend that records every transaction.
type captureBackend struct {
	mu     sync.Mutex
	mails  []receivedMail
	reject string // recipient to reject with 550
}

func (b *captureBackend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	return &captureSession{backend: b}, nil
}

func (b *captureBackend) received() []receivedMail {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]receivedMail(nil), b.mails...)
}

type captureSession struct {
	backend *captureBackend
	from    string
	to      []string
}

func (s *captureSession) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *captureSession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if to == s.backend.reject {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "mailbox unavailable",
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *captureSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	s.backend.mails = append(s.backend.mails, receivedMail{from: s.from, to: s.to, data: string(data)})
	s.backend.mu.Unlock()
	return nil
}

func (s *captureSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *captureSession) Logout() error { return nil }

func startSMTPServer(t *testing.T, be *captureBackend) string {
	t.Helper()
	srv := gosmtp.NewServer(be)
	srv.Domain = "localhost"
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return ln.Addr().String()
}

func newTestSMTP(addr string, signer *DKIMSigner, subscribers ...string) *SMTP {
	s := NewSMTP(Config{
		SMTPAddr:        addr,
		SMTPHelo:        "test.local",
		SMTPFrom:        "inventory@example.com",
		SMTPSubscribers: subscribers,
	}, signer, zerolog.Nop())
	s.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestSMTP_SendDirect(t *testing.T) {
	be := &captureBackend{}
	s := newTestSMTP(startSMTPServer(t, be), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Send(ctx, &Message{
		ID:        "n-1",
		Recipient: "ops@example.com",
		Subject:   "Product Created: Widget",
		Body:      "PRODUCT CREATED\n\nName: Widget",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Status != StatusSent {
		t.Errorf("Status = %s, want sent", res.Status)
	}

	mails := be.received()
	if len(mails) != 1 {
		t.Fatalf("server received %d mails, want 1", len(mails))
	}
	m := mails[0]
	if m.from != "inventory@example.com" {
		t.Errorf("MAIL FROM = %q", m.from)
	}
	if len(m.to) != 1 || m.to[0] != "ops@example.com" {
		t.Errorf("RCPT TO = %v", m.to)
	}
	for _, want := range []string{
		"Subject: Product Created: Widget",
		"To: ops@example.com",
		"Message-ID: <n-1@example.com>",
		"PRODUCT CREATED\r\n\r\nName: Widget",
	} {
		if !strings.Contains(m.data, want) {
			t.Errorf("message missing %q:\n%s", want, m.data)
		}
	}
}

func TestSMTP_SendBroadcast(t *testing.T) {
	be := &captureBackend{}
	s := newTestSMTP(startSMTPServer(t, be), nil, "a@example.com", "b@example.com")

	if _, err := s.Send(context.Background(), &Message{ID: "n-2", Recipient: BroadcastRecipient, Subject: "S", Body: "B"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	mails := be.received()
	if len(mails) != 1 || len(mails[0].to) != 2 {
		t.Fatalf("received = %+v, want one mail to two subscribers", mails)
	}
	if !strings.Contains(mails[0].data, "To: undisclosed-recipients:;") {
		t.Error("broadcast must not disclose subscriber list")
	}
}

func TestSMTP_BroadcastWithoutSubscribers(t *testing.T) {
	s := newTestSMTP("127.0.0.1:1", nil)
	_, err := s.Send(context.Background(), &Message{ID: "n", Recipient: BroadcastRecipient, Subject: "S", Body: "B"})
	if err == nil || !IsPermanent(err) {
		t.Errorf("Send() error = %v, want permanent no-subscribers error", err)
	}
}

func TestSMTP_RejectedRecipientIsPermanent(t *testing.T) {
	be := &captureBackend{reject: "gone@example.com"}
	s := newTestSMTP(startSMTPServer(t, be), nil)

	_, err := s.Send(context.Background(), &Message{ID: "n", Recipient: "gone@example.com", Subject: "S", Body: "B"})
	if err == nil {
		t.Fatal("expected error for rejected recipient")
	}
	if !IsPermanent(err) {
		t.Errorf("550 should be permanent, got %v", err)
	}
	if got := be.received(); len(got) != 0 {
		t.Errorf("server stored %d mails, want 0", len(got))
	}
}

func TestSMTP_DialFailure(t *testing.T) {
	s := newTestSMTP("127.0.0.1:1", nil)
	if _, err := s.Send(context.Background(), &Message{ID: "n", Recipient: "a@example.com", Subject: "S", Body: "B"}); err == nil {
		t.Error("expected dial error")
	}
	if IsPermanent(classifySMTPError(io.EOF)) {
		t.Error("transport errors are transient")
	}
}

func TestSMTP_SendSigned(t *testing.T) {
	be := &captureBackend{}
	signer := testSigner(t)
	s := newTestSMTP(startSMTPServer(t, be), signer)

	if _, err := s.Send(context.Background(), &Message{ID: "n-3", Recipient: "ops@example.com", Subject: "S", Body: "B"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	mails := be.received()
	if len(mails) != 1 {
		t.Fatalf("received %d mails", len(mails))
	}
	if !strings.HasPrefix(mails[0].data, "DKIM-Signature:") {
		t.Errorf("expected DKIM-Signature first, got:\n%s", mails[0].data)
	}
	if !strings.Contains(mails[0].data, "d=example.com") || !strings.Contains(mails[0].data, "s=test") {
		t.Errorf("signature missing domain/selector tags:\n%s", mails[0].data)
	}
}

func TestSMTP_HealthCheck(t *testing.T) {
	s := newTestSMTP(startSMTPServer(t, &captureBackend{}), nil)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func testSigner(t *testing.T) *DKIMSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	signer, err := NewDKIMSigner(Config{DKIMSelector: "test", DKIMPrivateKey: string(pemData)})
	if err != nil {
		t.Fatalf("NewDKIMSigner() error = %v", err)
	}
	return signer
}

func TestSMTP_StartTLSNotOffered(t *testing.T) {
	be := &captureBackend{}
	s := NewSMTP(Config{
		SMTPAddr:     startSMTPServer(t, be),
		SMTPHelo:     "test.local",
		SMTPFrom:     "inventory@example.com",
		SMTPStartTLS: true,
	}, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Send(ctx, &Message{Recipient: "ops@example.com", Subject: "s", Body: "b"})
	if err == nil || !strings.Contains(err.Error(), "starttls") {
		t.Fatalf("Send() error = %v, want starttls failure", err)
	}
	if got := len(be.received()); got != 0 {
		t.Errorf("received %d mails over a plaintext fallback", got)
	}
}
