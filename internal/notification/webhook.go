// internal/notification/webhook.go
package notification

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"libracirc/internal/circulation"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var webhookDeliveries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "libracirc_notification_deliveries_total",
		Help: "Total number of webhook notification deliveries by outcome",
	},
	[]string{"type", "outcome"},
)

const (
	defaultQueueSize = 256
	defaultTimeout   = 10 * time.Second
)

// Payload is the JSON body posted for each notification.
type Payload struct {
	Type      string            `json:"type"`
	ItemPID   string            `json:"item_pid"`
	LoanPID   string            `json:"loan_pid"`
	PatronPID string            `json:"patron_pid"`
	Loan      *circulation.Loan `json:"loan"`
	Item      *circulation.Item `json:"item"`
	SentAt    time.Time         `json:"sent_at"`
}

// WebhookSink posts notifications to an HTTP endpoint from a background
// worker, throttled by a token bucket. Notify never blocks: when the queue is
// full or the sink is closed the notification is dropped and counted.
type WebhookSink struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	queue   chan Payload
	logger  *zap.SugaredLogger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewWebhookSink starts the delivery worker. perSecond <= 0 disables throttling.
func NewWebhookSink(url string, perSecond float64, queueSize int, logger *zap.SugaredLogger) *WebhookSink {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	s := &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(limit, 1),
		queue:   make(chan Payload, queueSize),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *WebhookSink) Notify(_ context.Context, n circulation.Notification) {
	p := Payload{
		Type:      n.Type,
		ItemPID:   n.Item.PID,
		LoanPID:   n.Loan.PID,
		PatronPID: n.Loan.PatronPID,
		Loan:      n.Loan,
		Item:      n.Item,
		SentAt:    time.Now().UTC(),
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		webhookDeliveries.WithLabelValues(n.Type, "closed").Inc()
		s.logger.Warnw("notification sink closed, dropping notification", "type", n.Type, "loan_pid", n.Loan.PID)
		return
	}
	select {
	case s.queue <- p:
	default:
		webhookDeliveries.WithLabelValues(n.Type, "dropped").Inc()
		s.logger.Warnw("notification queue full, dropping notification", "type", n.Type, "loan_pid", n.Loan.PID)
	}
}

// Close stops accepting notifications and waits for the queue to drain.
func (s *WebhookSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *WebhookSink) run() {
	defer close(s.done)
	ctx := context.Background()
	for p := range s.queue {
		if err := s.limiter.Wait(ctx); err != nil {
			s.logger.Warnw("notification throttle failed", "error", err)
		}
		if err := s.deliver(ctx, p); err != nil {
			webhookDeliveries.WithLabelValues(p.Type, "failed").Inc()
			s.logger.Errorw("notification delivery failed", "type", p.Type, "loan_pid", p.LoanPID, "error", err)
			continue
		}
		webhookDeliveries.WithLabelValues(p.Type, "delivered").Inc()
	}
}

func (s *WebhookSink) deliver(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
