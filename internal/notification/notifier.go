package notification

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sungwon/inventory-notify/internal/sink"
)

// Queuer is the part of Service the Notifier needs.
type Queuer interface {
	QueueNotification(ctx context.Context, p Payload, opts QueueOptions) bool
}

// Event describes a change to an inventory resource.
type Event struct {
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	Data     map[string]any `json:"data"`
	Priority Priority       `json:"priority"`
}

// Notifier turns inventory events into broadcast notifications.
type Notifier struct {
	queue Queuer
	log   zerolog.Logger
}

// NewNotifier creates a Notifier that queues through q.
func NewNotifier(q Queuer, log zerolog.Logger) *Notifier {
	return &Notifier{queue: q, log: log}
}

// Notify formats ev and queues it for all subscribers.
func (n *Notifier) Notify(ctx context.Context, ev Event) bool {
	p := FormatEvent(ev)
	ok := n.queue.QueueNotification(ctx, p, QueueOptions{Priority: ev.Priority})
	if !ok {
		n.log.Error().
			Str("resource", ev.Resource).
			Str("action", ev.Action).
			Msg("failed to queue notification")
		return false
	}
	n.log.Info().Str("subject", p.Subject).Msg("notification queued")
	return true
}

// FormatEvent renders the broadcast payload for ev. The subject is
// "<Resource> <Action>: <name>" where name falls back to the id and then
// to "Item". The body lists every data key in sorted order.
func FormatEvent(ev Event) Payload {
	title := cases.Title(language.English)

	subject := fmt.Sprintf("%s %s: %s", title.String(ev.Resource), title.String(ev.Action), displayName(ev.Data))

	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", strings.ToUpper(ev.Resource), strings.ToUpper(ev.Action))
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %v", title.String(strings.ReplaceAll(k, "_", " ")), ev.Data[k])
	}

	return Payload{
		RecipientEmail:   sink.BroadcastRecipient,
		Subject:          subject,
		Message:          b.String(),
		NotificationType: TypeBroadcast,
	}
}

func displayName(data map[string]any) string {
	for _, k := range []string{"name", "id"} {
		if v, ok := data[k]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return "Item"
}
