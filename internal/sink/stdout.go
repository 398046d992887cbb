package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Stdout writes notifications to standard output. Intended for development;
// nothing is actually delivered.
type Stdout struct {
	writer io.Writer
}

// NewStdout creates a Stdout sink that prints to os.Stdout.
func NewStdout() *Stdout {
	return &Stdout{writer: os.Stdout}
}

func (s *Stdout) Name() string { return "stdout" }

// Send prints the notification framed by markers. Broadcasts show the
// recipient as "(all subscribers)".
func (s *Stdout) Send(_ context.Context, msg *Message) (*Result, error) {
	to := msg.Recipient
	if msg.IsBroadcast() {
		to = "(all subscribers)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "=== notification %s ===\nTo: %s\nSubject: %s\n\n%s\n=== end ===\n", msg.ID, to, msg.Subject, msg.Body)

	if _, err := io.WriteString(s.writer, b.String()); err != nil {
		return nil, &Error{Sink: "stdout", Message: "write", Err: err}
	}
	return &Result{MessageID: "stdout-" + msg.ID, Status: StatusSent, Timestamp: time.Now()}, nil
}

func (s *Stdout) HealthCheck(context.Context) error { return nil }
