package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	webhookTimeout = 10 * time.Second
	maxRetries     = 3
	retryDelay     = 2 * time.Second
	userAgent      = "Vaultgate/1.0"
)

// SettingsReader resolves the current webhook target
type SettingsReader interface {
	Values(ctx context.Context, keys []string) (map[string]string, error)
}

// Manager sends settings change webhooks. The target URL and signing
// secret are settings themselves and are read at send time.
type Manager struct {
	settings   SettingsReader
	httpClient *http.Client
	logger     *logrus.Logger
	retryDelay time.Duration
	now        func() time.Time

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a new notification manager
func NewManager(reader SettingsReader, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		settings: reader,
		httpClient: &http.Client{
			Timeout: webhookTimeout,
		},
		logger:     logger,
		retryDelay: retryDelay,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
}

// NotifySettingsUpdated queues a webhook for a committed update. It returns
// immediately; delivery happens in the background. Nothing is sent when no
// webhook URL is configured.
func (m *Manager) NotifySettingsUpdated(ctx context.Context, actor, requestID string, changes []Change) {
	if len(changes) == 0 {
		return
	}

	target, err := m.settings.Values(ctx, []string{KeyWebhookURL, KeyWebhookSecret})
	if err != nil {
		m.logger.WithError(err).Warn("Failed to read webhook settings")
		return
	}
	url := strings.TrimSpace(target[KeyWebhookURL])
	if url == "" {
		return
	}

	event := Event{
		ID:        uuid.New().String(),
		Type:      EventSettingsUpdated,
		Time:      m.now().UTC(),
		Actor:     actor,
		RequestID: requestID,
		Changes:   changes,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sendWebhook(url, target[KeyWebhookSecret], event)
	}()
}

// Close abandons pending retries and waits for in-flight deliveries
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.stop)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Wait blocks until every queued delivery has finished
func (m *Manager) Wait() {
	m.wg.Wait()
}

// sendWebhook sends the event to a webhook URL with retries
func (m *Manager) sendWebhook(url, secret string, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		m.logger.WithError(err).Error("Failed to marshal webhook payload")
		return
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-m.stop:
				return
			case <-time.After(m.retryDelay):
			}
		}

		lastErr = m.deliver(url, secret, event, body)
		if lastErr == nil {
			m.logger.WithFields(logrus.Fields{
				"url":   url,
				"event": event.Type,
				"id":    event.ID,
				"keys":  len(event.Changes),
			}).Debug("Webhook sent successfully")
			return
		}

		m.logger.WithError(lastErr).WithFields(logrus.Fields{
			"url":     url,
			"attempt": attempt + 1,
		}).Warn("Failed to send webhook")
	}

	m.logger.WithError(lastErr).WithFields(logrus.Fields{
		"url":   url,
		"event": event.Type,
		"id":    event.ID,
	}).Error("Failed to send webhook after all retries")
}

func (m *Manager) deliver(url, secret string, event Event, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, event.ID)
	if secret != "" {
		req.Header.Set(HeaderSignature, Sign(secret, body))
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 of body keyed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
