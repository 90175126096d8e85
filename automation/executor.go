package automation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultExecutorTimeout = 30 * time.Second

// SignatureHeader carries the hex HMAC-SHA256 of the request body when the
// executor is configured with a secret.
const SignatureHeader = "X-Conductor-Signature"

// HTTPExecutorConfig configures an HTTPExecutor.
type HTTPExecutorConfig struct {
	AutomationURL string
	HeartbeatURL  string
	Secret        string
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// HTTPExecutor posts execution requests as JSON to a remote worker and reads
// an ExecutionResult back. Transport errors and 5xx answers are retryable
// failures; 4xx answers are dead-letter eligible.
type HTTPExecutor struct {
	config HTTPExecutorConfig
}

// NewHTTPExecutor creates an HTTPExecutor.
func NewHTTPExecutor(cfg HTTPExecutorConfig) *HTTPExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExecutorTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPExecutor{config: cfg}
}

// ExecutePlan implements Executor.
func (e *HTTPExecutor) ExecutePlan(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	return e.post(ctx, e.config.AutomationURL, req)
}

// Tick implements HeartbeatExecutor.
func (e *HTTPExecutor) Tick(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	return e.post(ctx, e.config.HeartbeatURL, req)
}

func (e *HTTPExecutor) post(ctx context.Context, url string, req ExecutionRequest) (ExecutionResult, error) {
	if url == "" {
		return ExecutionResult{}, fmt.Errorf("executor: no endpoint configured for %s", req.Source)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("executor: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("executor: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.config.Secret != "" {
		httpReq.Header.Set(SignatureHeader, "sha256="+Sign(e.config.Secret, data))
	}

	resp, err := e.config.HTTPClient.Do(httpReq)
	if err != nil {
		return ExecutionResult{
			Status:        StatusFailed,
			Failure:       &Failure{Code: "EXECUTOR_UNREACHABLE", Message: err.Error()},
			RetryEligible: true,
		}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("executor: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return ExecutionResult{
			Status:        StatusFailed,
			Failure:       &Failure{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: string(body)},
			RetryEligible: true,
		}, nil
	case resp.StatusCode >= 400:
		return ExecutionResult{
			Status:             StatusFailed,
			Failure:            &Failure{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: string(body)},
			DeadLetterEligible: true,
		}, nil
	}

	var res ExecutionResult
	if err := json.Unmarshal(body, &res); err != nil {
		return ExecutionResult{}, fmt.Errorf("executor: unmarshal response: %w", err)
	}
	return res, nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// DryRunExecutor executes nothing and reports success. It backs the daemon
// when no executor endpoint is configured.
type DryRunExecutor struct{}

func (DryRunExecutor) ExecutePlan(_ context.Context, req ExecutionRequest) (ExecutionResult, error) {
	steps := 0
	if req.Plan != nil {
		steps = len(req.Plan.Steps)
	}
	return ExecutionResult{
		Status: StatusExecuted,
		Output: map[string]any{"dryRun": true, "steps": steps, "lane": string(req.Lane)},
	}, nil
}

func (DryRunExecutor) Tick(_ context.Context, req ExecutionRequest) (ExecutionResult, error) {
	return ExecutionResult{
		Status: StatusExecuted,
		Output: map[string]any{"dryRun": true, "checklist": len(req.Checklist), "lane": string(req.Lane)},
	}, nil
}
