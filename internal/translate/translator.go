// Package translate implements the translation dispatcher: one batched call
// per transcript event, demultiplexed into per-language results. Failures are
// absorbed — a broken translator must never interrupt a live broadcast.
package translate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/sony/gobreaker"

	"github.com/pscheid92/babelcast/internal/domain"
	"github.com/pscheid92/babelcast/internal/metrics"
	"github.com/pscheid92/babelcast/internal/platform/correlation"
)

const (
	requestTimeout = 10 * time.Second

	breakerFailureThreshold = 5
	breakerOpenDuration     = 30 * time.Second
)

// Translator issues batched translation calls.
// Implementations never return an error: on any failure the result map is
// simply empty (or missing entries).
type Translator interface {
	Translate(ctx context.Context, from domain.Language, text string, targets []domain.Language) map[domain.Language]string
}

// Client talks to an Azure-Translator-shaped endpoint. A circuit breaker
// guards the upstream so a dead endpoint fails fast instead of stalling every
// transcript event for the full request timeout.
type Client struct {
	endpoint   string
	region     string
	key        string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

var _ Translator = (*Client)(nil)

func NewClient(endpoint, region, key string) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "translation",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		Timeout: breakerOpenDuration,
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Translation circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		endpoint:   endpoint,
		region:     region,
		key:        key,
		httpClient: &http.Client{Timeout: requestTimeout},
		breaker:    breaker,
	}
}

// translationItem mirrors one element of the translator's response body:
// [{"translations": [{"text": "...", "to": "es"}, ...]}]
type translationItem struct {
	Translations []struct {
		Text string          `json:"text"`
		To   domain.Language `json:"to"`
	} `json:"translations"`
}

// Translate issues exactly one batched call carrying every target language.
// An empty target set short-circuits to an empty map without any HTTP call.
func (c *Client) Translate(ctx context.Context, from domain.Language, text string, targets []domain.Language) map[domain.Language]string {
	result := make(map[domain.Language]string)
	if len(targets) == 0 {
		return result
	}

	traceID, ok := correlation.ID(ctx)
	if !ok {
		traceID = correlation.NewID()
		ctx = correlation.WithID(ctx, traceID)
	}

	start := time.Now()
	body, err := c.breaker.Execute(func() (any, error) {
		return c.call(ctx, from, text, targets, traceID)
	})
	metrics.TranslationRequestDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		reason := "request"
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			reason = "circuit_open"
		}
		metrics.TranslationFailuresTotal.WithLabelValues(reason).Inc()
		slog.ErrorContext(ctx, "Translation request failed", "error", err, "targets", len(targets))
		return result
	}

	var items []translationItem
	if err := json.Unmarshal(body.([]byte), &items); err != nil {
		metrics.TranslationFailuresTotal.WithLabelValues("decode").Inc()
		slog.ErrorContext(ctx, "Translation response malformed", "error", err)
		return result
	}

	if len(items) == 0 {
		return result
	}
	for _, t := range items[0].Translations {
		result[t.To] = t.Text
	}
	return result
}

func (c *Client) call(ctx context.Context, from domain.Language, text string, targets []domain.Language, traceID string) ([]byte, error) {
	params := url.Values{}
	params.Set("api-version", "3.0")
	params.Set("from", string(from))
	for _, lang := range targets {
		params.Add("to", string(lang))
	}

	payload, err := json.Marshal([]map[string]string{{"text": text}})
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint+"/translate?"+params.Encode(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.key)
	req.Header.Set("Ocp-Apim-Subscription-Region", c.region)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ClientTraceId", traceID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("translation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("translation endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading translation response: %w", err)
	}
	return body, nil
}
