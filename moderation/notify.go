package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bluesky-social/fedmod/moderation/models"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Notifier is informed of every domain block change after it has been committed. Implementations must not block the caller, and delivery failures are not reported back.
type Notifier interface {
	DomainBlockChanged(ctx context.Context, block *models.DomainBlock)
}

type NopNotifier struct{}

func (n *NopNotifier) DomainBlockChanged(ctx context.Context, block *models.DomainBlock) {}

// Body of webhook notifications. Private comments are never sent.
type BlockChangeNotification struct {
	Domain        string            `json:"domain"`
	Severity      models.Severity   `json:"severity"`
	State         models.BlockState `json:"state"`
	RejectMedia   bool              `json:"reject_media"`
	RejectReports bool              `json:"reject_reports"`
	Obfuscate     bool              `json:"obfuscate"`
	PublicComment string            `json:"public_comment,omitempty"`
	Version       int64             `json:"version"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// WebhookNotifier POSTs block changes to a set of sibling instances.
type WebhookNotifier struct {
	Endpoints []string
	UserAgent string

	client *retryablehttp.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewWebhookNotifier(endpoints []string, userAgent string) *WebhookNotifier {
	logger := slog.Default().With("system", "notifier")

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 10 * time.Second
	client.HTTPClient.Timeout = 20 * time.Second
	client.HTTPClient.Transport = otelhttp.NewTransport(cleanhttp.DefaultPooledTransport())
	client.Logger = logger

	return &WebhookNotifier{
		Endpoints: endpoints,
		UserAgent: userAgent,
		client:    client,
		logger:    logger,
	}
}

// DomainBlockChanged sends the notification to every endpoint, each in its own goroutine.
func (n *WebhookNotifier) DomainBlockChanged(ctx context.Context, block *models.DomainBlock) {
	if len(n.Endpoints) == 0 {
		return
	}
	body, err := json.Marshal(BlockChangeNotification{
		Domain:        block.Domain,
		Severity:      block.Severity,
		State:         block.State,
		RejectMedia:   block.RejectMedia,
		RejectReports: block.RejectReports,
		Obfuscate:     block.Obfuscate,
		PublicComment: block.PublicComment,
		Version:       block.Version,
		UpdatedAt:     block.UpdatedAt,
	})
	if err != nil {
		n.logger.Error("failed to encode block change notification", "domain", block.Domain, "err", err)
		return
	}
	requestID := RequestID(ctx)
	for _, endpoint := range n.Endpoints {
		n.wg.Add(1)
		go func(endpoint string) {
			defer n.wg.Done()
			if err := n.post(endpoint, requestID, body); err != nil {
				notifyFailures.Inc()
				n.logger.Warn("block change notification failed", "endpoint", endpoint, "domain", block.Domain, "err", err)
				return
			}
			n.logger.Info("sent block change notification", "endpoint", endpoint, "domain", block.Domain)
		}(endpoint)
	}
}

// runs in the background, independent of the request which triggered it
func (n *WebhookNotifier) post(endpoint, requestID string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if n.UserAgent != "" {
		req.Header.Set("User-Agent", n.UserAgent)
	}
	// receivers must not re-broadcast a notification which already carries this
	req.Header.Add("Via", "1.1 fedmod")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBytes))
	}
	return nil
}

// Wait blocks until all in-flight notifications are done. Used at shutdown.
func (n *WebhookNotifier) Wait() {
	n.wg.Wait()
}
