package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"foundry/internal/config"
	"foundry/internal/domain"
	"foundry/internal/metrics"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookQueue   = 256
)

type delivery struct {
	projectID string
	record    domain.TransitionRecord
}

// WebhookNotifier posts transition records to the configured webhooks. Notify
// never blocks the dispatching goroutine; records that do not fit in the
// queue are dropped and counted.
type WebhookNotifier struct {
	hooks   []config.Webhook
	filters []eventFilter
	client  *http.Client
	queue   chan delivery
	logger  *zap.Logger

	once sync.Once
	done chan struct{}
}

func NewWebhookNotifier(hooks []config.Webhook, logger *zap.Logger) *WebhookNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &WebhookNotifier{
		hooks:  hooks,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		queue:  make(chan delivery, defaultWebhookQueue),
		logger: logger,
		done:   make(chan struct{}),
	}
	for _, hook := range hooks {
		n.filters = append(n.filters, newEventFilter(hook.Events))
	}
	return n
}

// Notify has the signature expected by orchestrator.Hub.Subscribe.
func (n *WebhookNotifier) Notify(projectID string, rec domain.TransitionRecord) {
	select {
	case n.queue <- delivery{projectID: projectID, record: rec}:
	default:
		metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		n.logger.Warn("webhook queue full; dropping transition",
			zap.String("project_id", projectID),
			zap.String("transition_id", rec.ID))
	}
}

// Run delivers queued records until ctx is cancelled, then drains what is
// already queued.
func (n *WebhookNotifier) Run(ctx context.Context) {
	defer n.once.Do(func() { close(n.done) })
	for {
		select {
		case d := <-n.queue:
			n.deliver(ctx, d)
		case <-ctx.Done():
			for {
				select {
				case d := <-n.queue:
					n.deliver(context.Background(), d)
				default:
					return
				}
			}
		}
	}
}

// Done is closed when Run returns.
func (n *WebhookNotifier) Done() <-chan struct{} { return n.done }

func (n *WebhookNotifier) deliver(ctx context.Context, d delivery) {
	for i, hook := range n.hooks {
		if !n.filters[i].match(string(d.record.Event)) {
			continue
		}
		if err := n.post(ctx, hook, d); err != nil {
			metrics.WebhookDeliveries.WithLabelValues("error").Inc()
			n.logger.Warn("webhook delivery failed", zap.String("url", hook.URL), zap.Error(err))
			continue
		}
		metrics.WebhookDeliveries.WithLabelValues("success").Inc()
	}
}

type webhookEvent struct {
	ProjectID string                  `json:"project_id"`
	Record    domain.TransitionRecord `json:"transition"`
}

func (n *WebhookNotifier) post(ctx context.Context, hook config.Webhook, d delivery) error {
	data, err := json.Marshal(webhookEvent{ProjectID: d.projectID, Record: d.record})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Foundry-Event", string(d.record.Event))
	req.Header.Set("X-Foundry-Delivery", d.record.ID)
	req.Header.Set("X-Foundry-Project", d.projectID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Foundry-Secret", hook.Secret)
	}
	res, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []domain.Event) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(string(evt))
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
