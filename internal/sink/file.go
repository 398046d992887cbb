package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultOutputDir = "./notification_output"

// File writes each notification to its own .eml-style file. Intended for
// development; nothing is actually delivered.
type File struct {
	outputDir string
	now       func() time.Time
}

// NewFile creates a File sink writing to dir, or ./notification_output when
// dir is empty.
func NewFile(dir string) *File {
	if dir == "" {
		dir = defaultOutputDir
	}
	return &File{outputDir: dir, now: time.Now}
}

func (f *File) Name() string { return "file" }

// Send writes the notification to <timestamp>_<message-id>.eml.
func (f *File) Send(_ context.Context, msg *Message) (*Result, error) {
	if err := os.MkdirAll(f.outputDir, 0o750); err != nil {
		return nil, fmt.Errorf("file: create output dir: %w", err)
	}

	ts := f.now().Format("20060102_150405")
	safeID := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(msg.ID)
	path := filepath.Join(f.outputDir, fmt.Sprintf("%s_%s.eml", ts, safeID))

	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\n", msg.Recipient)
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "X-Notification-ID: %s\n", msg.ID)
	b.WriteString("\n")
	b.WriteString(msg.Body)

	if err := os.WriteFile(path, []byte(b.String()), 0o640); err != nil {
		return nil, fmt.Errorf("file: write %s: %w", path, err)
	}

	return &Result{
		MessageID: "file-" + msg.ID,
		Status:    StatusSent,
		Timestamp: time.Now(),
		Metadata:  map[string]string{"path": path},
	}, nil
}

// HealthCheck verifies the output directory is writable.
func (f *File) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(f.outputDir, 0o750); err != nil {
		return fmt.Errorf("file: output dir not writable: %w", err)
	}
	return nil
}
