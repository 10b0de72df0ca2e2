// Package remote talks to the relay that stores encrypted tests and
// submissions. It never sees plaintext.
package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-offline/internal/model"
)

var (
	// ErrDelivery means the request did not complete: transport error,
	// timeout, or a 5xx/429 answer. The caller may retry.
	ErrDelivery = errors.New("remote delivery failed")
	// ErrRejected means the relay refused the request permanently (4xx).
	ErrRejected = errors.New("remote rejected request")
	// ErrNotFound means the relay has no test for the code.
	ErrNotFound = errors.New("test not found")
)

// HeaderIdempotencyKey carries the ciphertext digest on submit.
const HeaderIdempotencyKey = "Idempotency-Key"

const maxBodyBytes = 16 << 20

// Client is the HTTP client for the relay API.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// New creates a Client with its own http.Client.
func New(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{Timeout: timeout}, log)
}

// NewWithHTTPClient creates a Client using hc.
func NewWithHTTPClient(baseURL string, hc *http.Client, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		log:     log.With().Str("component", "remote_client").Logger(),
	}
}

// IdempotencyKey is the hex sha256 of the ciphertext. Redelivering the
// same ciphertext always yields the same key.
func IdempotencyKey(ciphertext string) string {
	sum := sha256.Sum256([]byte(ciphertext))
	return hex.EncodeToString(sum[:])
}

// errorEnvelope is the failure body returned by the relay.
type errorEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// FetchTest downloads the encrypted test published under code.
func (c *Client) FetchTest(ctx context.Context, code string) (*model.FetchResponse, error) {
	endpoint := c.baseURL + "/api/test/fetch?code=" + url.QueryEscape(code)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}

	var out model.FetchResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if !out.Success || out.EncryptedTestData == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, out.Message)
	}
	return &out, nil
}

// CreateTest publishes an already encrypted test. A code that is still in
// use on the relay is rejected with ErrRejected.
func (c *Client) CreateTest(ctx context.Context, t model.CreateTestRequest) (*model.CreateTestResponse, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode test: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/test/create", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out model.CreateTestResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("%w: %s", ErrRejected, out.Message)
	}
	return &out, nil
}

// SubmitExam delivers an encrypted submission. A duplicate of an already
// stored submission is acknowledged as success.
func (c *Client) SubmitExam(ctx context.Context, sub model.SubmitRequest) (*model.SubmitResponse, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/test/submit", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, IdempotencyKey(sub.EncryptedSubmissionData))

	var out model.SubmitResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("%w: %s", ErrRejected, out.Message)
	}
	return &out, nil
}

// Health reports whether the relay answers its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, dst any) error {
	reqID := uuid.New().String()
	req.Header.Set("X-Request-ID", reqID)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return fmt.Errorf("%w: %v", ErrDelivery, ctxErr)
		}
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrDelivery, err)
	}

	c.log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Str("request_id", reqID).
		Dur("latency", time.Since(start)).
		Msg("Relay call")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if dst == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrDelivery, err)
		}
		return nil
	}

	msg := errorMessage(raw, resp.Status)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return fmt.Errorf("%w: %d %s", ErrDelivery, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, msg)
	}
}

func errorMessage(raw []byte, fallback string) string {
	var env errorEnvelope
	if json.Unmarshal(raw, &env) != nil {
		return fallback
	}
	if env.Error != nil && env.Error.Code != "" {
		if env.Message != "" {
			return env.Error.Code + ": " + env.Message
		}
		return env.Error.Code
	}
	if env.Message != "" {
		return env.Message
	}
	return fallback
}
