package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stillpoint-app/checkin/pkg/core"
)

// HTTPAnalyzer calls a remote emotion analysis endpoint over plain JSON HTTP.
type HTTPAnalyzer struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPAnalyzer creates an analyzer for the given endpoint. client may be
// nil, in which case a default client with a 15s timeout is used.
func NewHTTPAnalyzer(url, apiKey string, client *http.Client) *HTTPAnalyzer {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPAnalyzer{url: url, apiKey: apiKey, client: client}
}

type semanticRequest struct {
	Transcript string `json:"transcript"`
}

// Analyze sends the transcript for remote analysis.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, transcript string) (*SemanticAnalysis, error) {
	body, err := json.Marshal(semanticRequest{Transcript: transcript})
	if err != nil {
		return nil, core.NewAnalysisError("encode semantic request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, core.NewAnalysisError("build semantic request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, core.NewAnalysisError("semantic endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused, then report the status.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, core.NewRateLimitError("semantic endpoint throttled the request")
		}
		return nil, core.NewAnalysisError(fmt.Sprintf("semantic endpoint returned %d", resp.StatusCode), nil)
	}

	var out SemanticAnalysis
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, core.NewAnalysisError("decode semantic response", err)
	}
	return &out, nil
}
