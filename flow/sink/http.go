package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// HTTPSink submits products to a JSON endpoint behind a circuit breaker.
// Server errors and timeouts count against the breaker; client errors
// (4xx) do not, since retrying a rejected payload never helps.
type HTTPSink struct {
	endpoint string
	token    string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	log      *logrus.Entry
}

// HTTPOptions configures the HTTP sink.
type HTTPOptions struct {
	// Endpoint receives POSTed products.
	Endpoint string

	// Token is sent as a bearer credential when set.
	Token string

	// Timeout bounds each request. Default 15s.
	Timeout time.Duration

	// ConsecutiveFailures opens the breaker. Default 5.
	ConsecutiveFailures uint32

	// OpenFor is how long the breaker stays open before probing. Default 30s.
	OpenFor time.Duration
}

// NewHTTPSink creates the sink. A nil client falls back to a default with
// the configured timeout.
func NewHTTPSink(opts HTTPOptions, client *http.Client, log *logrus.Entry) *HTTPSink {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 5
	}
	if opts.OpenFor <= 0 {
		opts.OpenFor = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "marketplace-sink",
		Timeout: opts.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var rej *rejectedError
			return errors.As(err, &rej)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).
				Warn("sink breaker state change")
		},
	})

	return &HTTPSink{
		endpoint: opts.Endpoint,
		token:    opts.Token,
		client:   client,
		breaker:  breaker,
		log:      log,
	}
}

// Publish POSTs the product and returns the downstream id.
func (s *HTTPSink) Publish(ctx context.Context, p Product) (Receipt, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.post(ctx, p)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return Receipt{}, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	if err != nil {
		return Receipt{}, err
	}
	return out.(Receipt), nil
}

func (s *HTTPSink) post(ctx context.Context, p Product) (Receipt, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode product: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var r Receipt
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil && err != io.EOF {
			return Receipt{}, fmt.Errorf("decode response: %w", err)
		}
		return r, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Receipt{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		// 4xx is the payload's fault; do not feed the breaker.
		return Receipt{}, &rejectedError{status: resp.StatusCode}
	}
}

// rejectedError marks a 4xx response. IsSuccessful on the breaker treats it
// as a success so rejected payloads never open the circuit.
type rejectedError struct {
	status int
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("sink rejected product: status %d", e.status)
}
