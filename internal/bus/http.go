package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultRequestTimeout = 30 * time.Second

// HTTPError is a non-2xx reply from the gateway.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// HTTPProducer sends signed messages to a bus gateway over HTTP.
type HTTPProducer struct {
	baseURL    string
	signer     Signer
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var _ Producer = (*HTTPProducer)(nil)

func NewHTTPProducer(baseURL string, signer Signer, httpClient *http.Client) *HTTPProducer {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPProducer{
		baseURL:    baseURL,
		signer:     signer,
		httpClient: httpClient,
		timeout:    DefaultRequestTimeout,
		maxRetries: 3,
		baseDelay:  250 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

func (p *HTTPProducer) Request(ctx context.Context, domain, action string, content any) (*Response, error) {
	msg, err := p.signer.Sign(KindRequest, domain, action, content)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request %s/%s: %w", domain, action, err)
	}
	return p.send(ctx, msg)
}

func (p *HTTPProducer) Command(ctx context.Context, domain, action string, content any, attachments map[string]*Message) (*Response, error) {
	msg, err := p.signer.Sign(KindCommand, domain, action, content)
	if err != nil {
		return nil, fmt.Errorf("failed to sign command %s/%s: %w", domain, action, err)
	}
	if len(attachments) > 0 {
		msg.Attachments = attachments
	}
	return p.send(ctx, msg)
}

func (p *HTTPProducer) send(ctx context.Context, msg *Message) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	url := fmt.Sprintf("%s/%s/%s/%s", p.baseURL, msg.Kind, msg.Domain, msg.Action)

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Correlation-Id", uuid.NewString())

		resp, err := p.httpClient.Do(req)
		if err != nil {
			if attempt < p.maxRetries && ctx.Err() == nil {
				slog.Debug("Bus call failed, retrying", "domain", msg.Domain, "action", msg.Action, "attempt", attempt+1, "error", err)
				if waitErr := waitWithContext(ctx, p.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("failed to call %s/%s: %w", msg.Domain, msg.Action, err)
		}

		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("failed to read response body: %w", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return NewResponse(payload)
		}

		if resp.StatusCode >= 500 && attempt < p.maxRetries {
			if waitErr := waitWithContext(ctx, p.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}
}

func (p *HTTPProducer) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfterHeader)); err == nil && seconds >= 0 {
		delay := time.Duration(seconds) * time.Second
		return min(delay, p.maxDelay)
	}
	delay := p.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.maxDelay {
			return p.maxDelay
		}
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
