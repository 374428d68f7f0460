// Package identity exchanges client credentials for canonical identities
// through the external verification service.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/relay/internal/metrics"
)

var (
	// ErrRejected is returned for every failed verification.
	ErrRejected = errors.New("identity: credential rejected")
	// ErrUnavailable additionally marks failures caused by the verifier
	// itself (transport error, timeout, 5xx) rather than the credential.
	ErrUnavailable = errors.New("identity: verifier unavailable")
)

// maxResponseBytes bounds how much of a verifier response is read.
const maxResponseBytes = 64 * 1024

// Verifier resolves a credential to a canonical identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// Normalizer strips decoration from a verified display name.
type Normalizer struct {
	strip *regexp.Regexp
}

// NewNormalizer compiles pattern; an empty pattern only trims whitespace.
func NewNormalizer(pattern string) (*Normalizer, error) {
	if pattern == "" {
		return &Normalizer{}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("identity strip pattern: %w", err)
	}
	return &Normalizer{strip: re}, nil
}

// Normalize returns the canonical form of name.
func (n *Normalizer) Normalize(name string) string {
	if n != nil && n.strip != nil {
		name = n.strip.ReplaceAllString(name, "")
	}
	return strings.TrimSpace(name)
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Decoded *struct {
		Name string `json:"name"`
	} `json:"decoded"`
}

// HTTPVerifier calls the external verification endpoint.
type HTTPVerifier struct {
	url        string
	timeout    time.Duration
	normalizer *Normalizer
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPVerifier creates a verifier for url. Every call is bounded by timeout.
func NewHTTPVerifier(url string, timeout time.Duration, normalizer *Normalizer, logger zerolog.Logger) *HTTPVerifier {
	return &HTTPVerifier{
		url:        url,
		timeout:    timeout,
		normalizer: normalizer,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "verifier").Logger(),
	}
}

// Verify posts the credential and returns the normalized identity.
func (v *HTTPVerifier) Verify(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", fmt.Errorf("%w: empty credential", ErrRejected)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	defer func() { metrics.VerifierLatency.Observe(time.Since(start).Seconds()) }()

	body, _ := json.Marshal(verifyRequest{Token: credential})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %w: %v", ErrRejected, ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		v.logger.Warn().Err(err).Msg("verifier request failed")
		return "", fmt.Errorf("%w: %w: %v", ErrRejected, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: %w: %v", ErrRejected, ErrUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		v.logger.Warn().Int("status", resp.StatusCode).Msg("verifier returned server error")
		return "", fmt.Errorf("%w: %w: status %d", ErrRejected, ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	var decoded verifyResponse
	if err := json.Unmarshal(data, &decoded); err != nil || decoded.Decoded == nil {
		return "", fmt.Errorf("%w: invalid verifier payload", ErrRejected)
	}

	name := v.normalizer.Normalize(decoded.Decoded.Name)
	if name == "" {
		return "", fmt.Errorf("%w: empty identity", ErrRejected)
	}
	return name, nil
}
