package biometric

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPMatcher posts frames to a remote face matching service.
//
// Request:  POST {baseURL}/scan  {"image": "<base64>"}
// Response: {"matched_user": "...", "confidence_percent": 0-100, "liveness_check": "passed"}
type HTTPMatcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPMatcher creates a matcher client. A zero timeout uses 5s.
func NewHTTPMatcher(baseURL string, timeout time.Duration) *HTTPMatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPMatcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type scanRequest struct {
	Image string `json:"image"`
}

type scanResponse struct {
	MatchedUser       string   `json:"matched_user"`
	ConfidencePercent *float64 `json:"confidence_percent"`
	LivenessCheck     string   `json:"liveness_check"`
}

// Match implements Matcher.
func (m *HTTPMatcher) Match(ctx context.Context, frame []byte) (*Match, error) {
	body, err := json.Marshal(scanRequest{Image: base64.StdEncoding.EncodeToString(frame)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/scan", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMatcherFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d", ErrMatcherFailure, resp.StatusCode)
	}

	var out scanResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrMatcherFailure, err)
	}
	if out.ConfidencePercent == nil {
		return nil, fmt.Errorf("%w: response missing confidence", ErrMatcherFailure)
	}

	return &Match{
		Identity:          out.MatchedUser,
		ConfidencePercent: *out.ConfidencePercent,
		LivenessPassed:    strings.EqualFold(out.LivenessCheck, "passed"),
	}, nil
}
