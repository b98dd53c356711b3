package learning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Sample is one message handed to the analyzer.
type Sample struct {
	AccountID string    `json:"account_id"`
	UserID    string    `json:"user_id"`
	MessageID string    `json:"message_id"`
	Folder    string    `json:"folder"`
	Subject   string    `json:"subject"`
	Sender    string    `json:"sender"`
	Direction string    `json:"direction"`
	Date      time.Time `json:"date"`
	Body      string    `json:"body,omitempty"`
}

// BatchResult reports which samples of a batch the analyzer rejected.
type BatchResult struct {
	FailedIDs []string `json:"failed_ids"`
}

// Analyzer extracts communication patterns from message batches.
type Analyzer interface {
	AnalyzeBatch(ctx context.Context, samples []Sample) (*BatchResult, error)
}

// HTTPAnalyzer talks to the analysis service over HTTP.
type HTTPAnalyzer struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPAnalyzer(analyzerURL string) *HTTPAnalyzer {
	return &HTTPAnalyzer{
		baseURL: analyzerURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// AnalyzeBatch posts a batch of samples for analysis.
func (a *HTTPAnalyzer) AnalyzeBatch(ctx context.Context, samples []Sample) (*BatchResult, error) {
	body, err := json.Marshal(map[string]any{"samples": samples})
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/api/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call analyzer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analyzer returned status %d", resp.StatusCode)
	}

	var result BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode analyzer response: %w", err)
	}
	return &result, nil
}
