// Package webhook delivers job completion callbacks.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Payload is the JSON body POSTed to a job's callback URL.
type Payload struct {
	JobID            string `json:"job_id"`
	Status           string `json:"status"`
	ProcessedBatches int    `json:"processed_batches"`
	TotalBatches     int    `json:"total_batches"`
	DownloadURL      string `json:"download_url,omitempty"`
}

// Notifier posts payloads to callback URLs with full-jitter exponential
// backoff. 30s timeout per request.
type Notifier struct {
	client   *http.Client
	attempts int
	base     time.Duration
	cap      time.Duration

	// allowPrivate disables the private address check. Tests only.
	allowPrivate bool

	wg sync.WaitGroup
}

// New returns a Notifier with the default retry policy.
func New() *Notifier {
	return &Notifier{
		client:   &http.Client{Timeout: 30 * time.Second},
		attempts: retryAttempts,
		base:     retryBase,
		cap:      retryCap,
	}
}

// Send dispatches p to callbackURL asynchronously.
// ctx should outlive the job (context.WithoutCancel) so retries survive job
// cancellation but stop on server shutdown.
func (n *Notifier) Send(ctx context.Context, callbackURL string, p Payload) {
	if callbackURL == "" {
		return
	}
	if !n.allowPrivate {
		if err := validateURL(callbackURL); err != nil {
			slog.Warn("webhook: rejected callback URL", "url", callbackURL, "job_id", p.JobID, "error", err)
			return
		}
	}
	body, err := json.Marshal(p)
	if err != nil {
		slog.Error("webhook: marshal payload", "job_id", p.JobID, "error", err)
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(ctx, callbackURL, body)
	}()
}

// Wait blocks until every in-progress delivery has finished or given up.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// validateURL blocks non-HTTP schemes and private/internal IP ranges.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func (n *Notifier) send(ctx context.Context, callbackURL string, body []byte) {
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := n.post(ctx, callbackURL, body)
		if err == nil {
			return
		}
		slog.Warn("webhook attempt failed", "attempt", attempt, "url", callbackURL, "error", err)
		if attempt < n.attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.jitter(attempt)):
			}
		}
	}
	slog.Error("webhook: all retries exhausted", "url", callbackURL)
}

// jitter returns a random duration between 0 and min(cap, base * 2^attempt).
func (n *Notifier) jitter(attempt int) time.Duration {
	exp := n.base * (1 << attempt)
	if exp > n.cap || exp <= 0 {
		exp = n.cap
	}
	if exp <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (n *Notifier) post(ctx context.Context, callbackURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
