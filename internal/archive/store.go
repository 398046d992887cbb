// Package archive keeps copies of notifications the queue service gives up
// on, so an operator can inspect or replay them later.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("archive: record not found")

// Store defines the interface for archive backends. Keys are slash
// separated relative paths such as "exhausted/<id>.json".
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config holds configuration for creating a Store.
type Config struct {
	Type       string `mapstructure:"type"` // "", "local" or "s3"; empty disables archiving
	Path       string `mapstructure:"path"` // base directory for local store
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
	S3Region   string `mapstructure:"s3_region"`
}

// New creates a Store from the configuration. It returns nil, nil when
// archiving is disabled.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "local":
		return NewLocalFileStore(cfg.Path)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, errors.New("archive: s3_bucket is required")
		}
		return NewS3StoreFromConfig(ctx, cfg)
	default:
		logger.Warn().
			Str("type", cfg.Type).
			Msg("unsupported archive type, defaulting to local")
		return NewLocalFileStore(cfg.Path)
	}
}

// Reasons a record is archived.
const (
	ReasonMalformed = "malformed"
	ReasonExhausted = "exhausted"
)

// Record is the archived form of a notification that left the live path.
type Record struct {
	Reason       string          `json:"reason"`
	Queue        string          `json:"queue"`
	MessageID    string          `json:"message_id"`
	EnvelopeID   string          `json:"envelope_id,omitempty"`
	ReceiveCount int             `json:"receive_count"`
	Error        string          `json:"error,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
	RawBody      string          `json:"raw_body,omitempty"`
	ArchivedAt   time.Time       `json:"archived_at"`
}

// Key returns "<reason>/<id>.json", preferring the envelope id.
func (r *Record) Key() string {
	id := r.EnvelopeID
	if id == "" {
		id = r.MessageID
	}
	return r.Reason + "/" + sanitizeKey(id) + ".json"
}

// Save serializes rec and stores it under rec.Key(). A body that is not
// valid JSON is kept verbatim in RawBody.
func Save(ctx context.Context, s Store, rec Record) (string, error) {
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now().UTC()
	}
	if len(rec.Body) > 0 && !json.Valid(rec.Body) {
		rec.RawBody = string(rec.Body)
		rec.Body = nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("archive: marshal record: %w", err)
	}
	key := rec.Key()
	if err := s.Put(ctx, key, data); err != nil {
		return "", err
	}
	return key, nil
}

// Load reads and decodes a record.
func Load(ctx context.Context, s Store, key string) (*Record, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("archive: decode %s: %w", key, err)
	}
	return &rec, nil
}

func sanitizeKey(id string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
}
