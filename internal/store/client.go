package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/taskerrors"
)

// RetryPolicy controls the client's local retry of transient store failures.
// Exponential backoff with full jitter; transient errors never bubble past
// the client until the attempt budget is exhausted.
type RetryPolicy struct {
	MaxAttempts     int           // Total attempts including the first (0 = single attempt)
	InitialInterval time.Duration // Starting backoff duration
	MaxInterval     time.Duration // Backoff cap
	Multiplier      float64       // Exponential multiplier
	UseJitter       bool          // Full jitter randomization
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		UseJitter:       true,
	}
}

// Client talks to a remote artifact store over the HTTP API exposed by
// Server. Every Get verifies the returned bytes against the requested
// digest, so a misbehaving server can fail a read but never corrupt one.
type Client struct {
	baseURL string
	httpc   *http.Client
	retry   RetryPolicy
	logger  *slog.Logger
}

// NewClient creates an artifact store client for the given base URL.
// A nil httpc uses a client with a 30s overall timeout.
func NewClient(baseURL string, httpc *http.Client, retry RetryPolicy, logger *slog.Logger) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   httpc,
		retry:   retry,
		logger:  componentLogger(logger, "http-client"),
	}
}

// Put uploads content and returns its reference. The server's digest is
// cross-checked against a locally computed one; disagreement is fatal.
func (c *Client) Put(ctx context.Context, data []byte) (domain.ArtifactRef, error) {
	local := domain.ComputeDigest(data)

	var ref domain.ArtifactRef
	err := c.withRetry(ctx, "put", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/artifacts", bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return &taskerrors.TransientError{Component: "store", Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			return c.statusError(resp)
		}

		var body putResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return &taskerrors.TransientError{Component: "store", Err: err}
		}

		digest, err := domain.ParseDigest(body.Hash)
		if err != nil {
			return &taskerrors.IntegrityError{Subject: body.Hash, Detail: "server returned unparseable digest"}
		}
		if digest != local {
			return &taskerrors.IntegrityError{
				Subject: local.String(),
				Detail:  fmt.Sprintf("server stored under different digest %s", digest),
			}
		}

		ref = domain.ArtifactRef{Digest: digest, Size: body.Size, StoredAt: time.Now().UTC()}
		return nil
	})
	return ref, err
}

// Get downloads content by digest and verifies it before returning.
func (c *Client) Get(ctx context.Context, digest domain.Digest) ([]byte, error) {
	var data []byte
	err := c.withRetry(ctx, "get", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.artifactURL(digest), nil)
		if err != nil {
			return err
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return &taskerrors.TransientError{Component: "store", Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return taskerrors.ErrArtifactNotFound
		}
		if resp.StatusCode != http.StatusOK {
			return c.statusError(resp)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &taskerrors.TransientError{Component: "store", Err: err}
		}
		if domain.ComputeDigest(body) != digest {
			return &taskerrors.IntegrityError{
				Subject: digest.String(),
				Detail:  "downloaded bytes do not match digest",
			}
		}
		data = body
		return nil
	})
	return data, err
}

// Exists checks presence with a HEAD request.
func (c *Client) Exists(ctx context.Context, digest domain.Digest) (bool, error) {
	var exists bool
	err := c.withRetry(ctx, "exists", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.artifactURL(digest), nil)
		if err != nil {
			return err
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return &taskerrors.TransientError{Component: "store", Err: err}
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			exists = true
			return nil
		case http.StatusNotFound:
			exists = false
			return nil
		default:
			return c.statusError(resp)
		}
	})
	return exists, err
}

func (c *Client) artifactURL(digest domain.Digest) string {
	return c.baseURL + "/artifacts/" + digest.String()
}

// statusError classifies an unexpected HTTP status. 5xx is transient; the
// rest are terminal.
func (c *Client) statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("store returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode >= http.StatusInternalServerError {
		return &taskerrors.TransientError{Component: "store", Err: err}
	}
	return err
}

// withRetry runs op with the client's retry policy, retrying only errors the
// taxonomy classifies as transient. Integrity errors abort immediately.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !taskerrors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == c.retry.MaxAttempts {
			break
		}

		delay := c.backoff(attempt)
		c.logger.Debug("retrying store operation",
			"op", op, "attempt", attempt, "delay", delay, "error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// backoff computes the delay before the next attempt: exponential growth
// capped at MaxInterval, with optional full jitter.
func (c *Client) backoff(attempt int) time.Duration {
	base := c.retry.InitialInterval
	if base <= 0 {
		base = time.Millisecond // Minimum 1ms to prevent hot looping.
	}
	for i := 1; i < attempt; i++ {
		multiplier := c.retry.Multiplier
		if multiplier < 1.0 {
			multiplier = 1.0
		}
		base = time.Duration(float64(base) * multiplier)
		if c.retry.MaxInterval > 0 && base > c.retry.MaxInterval {
			base = c.retry.MaxInterval
			break
		}
	}

	if c.retry.UseJitter {
		// Full jitter: random between 0 and the computed backoff.
		jitterMs := rand.Int64N(base.Milliseconds() + 1) // #nosec G404 -- non-cryptographic jitter
		return time.Duration(jitterMs) * time.Millisecond
	}
	return base
}
