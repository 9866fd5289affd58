package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"

	apperrors "github.com/pscheid92/babelcast/internal/errors"
	"github.com/pscheid92/babelcast/internal/metrics"
	"github.com/pscheid92/babelcast/internal/platform/retry"
)

const batchRequestTimeout = 30 * time.Second

var errStillProcessing = errors.New("transcript still processing")

// BatchClient drives the engine's asynchronous file transcription flow:
// upload the audio, create a transcript job with speaker labels, poll until
// it settles.
type BatchClient struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	pollPolicy retry.Policy
}

func NewBatchClient(apiURL, apiKey string) *BatchClient {
	return &BatchClient{
		apiURL:     apiURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: batchRequestTimeout},
		pollPolicy: retry.Policy{
			MaxAttempts:      120,
			InitialBackoff:   time.Second,
			RateLimitBackoff: 10 * time.Second,
		},
	}
}

type transcriptJob struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Text       string `json:"text"`
	Error      string `json:"error"`
	Utterances []struct {
		Speaker string `json:"speaker"`
		Text    string `json:"text"`
	} `json:"utterances"`
}

// Transcribe uploads audio and returns the finished transcript as
// "SPEAKER: text" lines (or the flat text when no utterances are labeled).
func (c *BatchClient) Transcribe(ctx context.Context, audio io.Reader) (string, error) {
	uploadURL, err := c.upload(ctx, audio)
	if err != nil {
		metrics.SpeechBatchRequestsTotal.WithLabelValues("upload_failed").Inc()
		return "", apperrors.External("TRANSCRIPTION_FAILED", err)
	}

	jobID, err := c.createJob(ctx, uploadURL)
	if err != nil {
		metrics.SpeechBatchRequestsTotal.WithLabelValues("create_failed").Inc()
		return "", apperrors.External("TRANSCRIPTION_FAILED", err)
	}

	job, err := c.poll(ctx, jobID)
	if err != nil {
		metrics.SpeechBatchRequestsTotal.WithLabelValues("poll_failed").Inc()
		return "", apperrors.External("TRANSCRIPTION_FAILED", err)
	}

	metrics.SpeechBatchRequestsTotal.WithLabelValues("completed").Inc()
	return renderTranscript(job), nil
}

func (c *BatchClient) upload(ctx context.Context, audio io.Reader) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/v2/upload", audio)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	var resp struct {
		UploadURL string `json:"upload_url"`
	}
	if err := c.doJSON(req, &resp); err != nil {
		return "", fmt.Errorf("uploading audio: %w", err)
	}
	if resp.UploadURL == "" {
		return "", errors.New("upload response missing upload_url")
	}
	return resp.UploadURL, nil
}

func (c *BatchClient) createJob(ctx context.Context, audioURL string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"audio_url":      audioURL,
		"speaker_labels": true,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/v2/transcript", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	var job transcriptJob
	if err := c.doJSON(req, &job); err != nil {
		return "", fmt.Errorf("creating transcript job: %w", err)
	}
	if job.ID == "" {
		return "", errors.New("transcript job response missing id")
	}
	return job.ID, nil
}

func (c *BatchClient) poll(ctx context.Context, jobID string) (*transcriptJob, error) {
	classify := func(err error) retry.Action {
		switch {
		case errors.Is(err, errStillProcessing):
			return retry.Retry
		case errors.Is(err, errRateLimited):
			return retry.After
		default:
			return retry.Stop
		}
	}

	policy := c.pollPolicy
	policy.OnRetry = func(attempt int, _ error, backoff time.Duration) {
		slog.Debug("Transcript not ready yet", "job_id", jobID, "attempt", attempt, "backoff", backoff)
	}

	return retry.Do(ctx, policy, classify, func() (*transcriptJob, error) {
		return c.fetchJob(ctx, jobID)
	})
}

var errRateLimited = errors.New("speech engine rate limited")

func (c *BatchClient) fetchJob(ctx context.Context, jobID string) (*transcriptJob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/v2/transcript/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.apiKey)

	var job transcriptJob
	if err := c.doJSON(req, &job); err != nil {
		return nil, fmt.Errorf("fetching transcript job: %w", err)
	}

	switch job.Status {
	case "completed":
		return &job, nil
	case "error":
		return nil, fmt.Errorf("transcription failed: %s", job.Error)
	default: // queued, processing
		return nil, errStillProcessing
	}
}

func (c *BatchClient) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return errRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("speech engine returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func renderTranscript(job *transcriptJob) string {
	if len(job.Utterances) == 0 {
		return job.Text
	}
	lines := make([]string, 0, len(job.Utterances))
	for _, u := range job.Utterances {
		lines = append(lines, fmt.Sprintf("%s: %s", u.Speaker, u.Text))
	}
	return strings.Join(lines, "\n")
}
