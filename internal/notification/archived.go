package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/sungwon/inventory-notify/internal/archive"
	"github.com/sungwon/inventory-notify/internal/queue"
)

// ErrNoArchive is returned by archive operations when no archive store is configured.
var ErrNoArchive = errors.New("notification: no archive configured")

// ListArchived returns archive keys, optionally limited to one reason
// (archive.ReasonMalformed or archive.ReasonExhausted).
func (s *Service) ListArchived(ctx context.Context, reason string) ([]string, error) {
	if s.archive == nil {
		return nil, ErrNoArchive
	}
	prefix := ""
	if reason != "" {
		prefix = reason + "/"
	}
	return s.archive.List(ctx, prefix)
}

// LoadArchived returns the archived record stored under key.
func (s *Service) LoadArchived(ctx context.Context, key string) (*archive.Record, error) {
	if s.archive == nil {
		return nil, ErrNoArchive
	}
	return archive.Load(ctx, s.archive, key)
}

// ReplayArchived queues the notification held by an archived record again
// with a fresh retry budget, then removes the record. Records whose payload
// cannot be decoded are left in place.
func (s *Service) ReplayArchived(ctx context.Context, key string) error {
	rec, err := s.LoadArchived(ctx, key)
	if err != nil {
		return err
	}
	if len(rec.Body) == 0 {
		return fmt.Errorf("replay %s: record has no decodable body", key)
	}
	env, err := queue.DecodeEnvelope(rec.Body)
	if err != nil {
		return fmt.Errorf("replay %s: %w", key, err)
	}
	ep, err := decodePayload(env)
	if err != nil {
		return fmt.Errorf("replay %s: %w", key, err)
	}

	if !s.QueueNotification(ctx, ep.Notification, QueueOptions{Priority: ep.Priority}) {
		return fmt.Errorf("replay %s: notification could not be queued or delivered", key)
	}
	if err := s.archive.Delete(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("replayed record not removed from archive")
	}
	s.log.Info().Str("key", key).Str("envelope_id", env.ID).Msg("archived notification replayed")
	return nil
}
