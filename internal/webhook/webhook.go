// Package webhook delivers intercepted callbacks to frontend URLs.
//
// Deliveries are best-effort with bounded retries and linear backoff. The
// callers decide what a delivery failure means; this package only reports it.
package webhook

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// DefaultBackoff is the base delay between delivery attempts. Attempt n
// waits n times this long, so retries spread out as 10s, 20s, 30s.
const DefaultBackoff = 10 * time.Second

// Deliverer issues webhook requests with retries. The zero value is not
// usable; construct with New.
type Deliverer struct {
	client  *http.Client
	retries int
	backoff time.Duration
	log     zerolog.Logger
}

// New returns a Deliverer making up to retries attempts per delivery. A nil
// client falls back to http.DefaultClient.
func New(client *http.Client, retries int, log zerolog.Logger) *Deliverer {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 1 {
		retries = 1
	}
	return &Deliverer{
		client:  client,
		retries: retries,
		backoff: DefaultBackoff,
		log:     log,
	}
}

// SetBackoff overrides the retry backoff base. Used by tests.
func (d *Deliverer) SetBackoff(backoff time.Duration) {
	d.backoff = backoff
}

// Get delivers a GET request to rawURL with the given query parameters
// merged into any the URL already carries.
func (d *Deliverer) Get(ctx context.Context, rawURL string, query url.Values) error {
	return d.deliver(ctx, http.MethodGet, rawURL, query, nil)
}

// PostForm delivers a form-encoded POST request to rawURL.
func (d *Deliverer) PostForm(ctx context.Context, rawURL string, form url.Values) error {
	return d.deliver(ctx, http.MethodPost, rawURL, nil, form)
}

func (d *Deliverer) deliver(ctx context.Context, method, rawURL string, query, form url.Values) error {
	var lastErr error
	for i := 1; i <= d.retries; i++ {
		lastErr = d.attempt(ctx, method, rawURL, query, form)
		if lastErr == nil {
			return nil
		}
		d.log.Warn().
			Err(lastErr).
			Str("url", rawURL).
			Int("attempt", i).
			Int("max_attempts", d.retries).
			Msg("webhook delivery failed")
		if i == d.retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.backoff * time.Duration(i)):
		}
	}
	return fmt.Errorf("webhook %s not delivered after %d attempts: %w", rawURL, d.retries, lastErr)
}

func (d *Deliverer) attempt(ctx context.Context, method, rawURL string, query, form url.Values) error {
	target, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parsing webhook URL: %w", err)
	}
	if len(query) > 0 {
		merged := target.Query()
		for key, values := range query {
			for _, value := range values {
				merged.Add(key, value)
			}
		}
		target.RawQuery = merged.Encode()
	}

	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	var req *http.Request
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, target.String(), body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target.String(), nil)
	}
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook answered %s", resp.Status)
	}
	return nil
}

// Sign serializes claims into an HS256 JWT. Callback payloads are re-signed
// with the receiving tenant's secret before they leave the balancer.
func Sign(claims jwt.MapClaims, secret string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
