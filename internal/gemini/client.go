package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// rateLimitBackoff is how long a 429 response is waited out before the
// single retry.
const rateLimitBackoff = 60 * time.Second

// Client calls the Generative Language API over HTTP.
//
// A rate-limited call is retried once after a fixed backoff; any failure
// after that degrades to the same deterministic text the Mock produces, so
// callers never see a transport error from this layer.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client

	// backoff is overridable in tests.
	backoff time.Duration
}

// NewClient creates a Client for the given API key and model name.
func NewClient(apiKey, model string) *Client {
	return &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		backoff:    rateLimitBackoff,
	}
}

func (c *Client) Compress(ctx context.Context, functionName, functionArgs, functionResult string) (string, error) {
	prompt := buildCompressionPrompt(functionName, functionArgs, functionResult)
	text, err := c.generateWithRetry(ctx, prompt, 0.2, 200)
	if err != nil {
		slog.Warn("gemini compress failed, using extractive fallback", "function", functionName, "error", err)
		return mockCompress(functionName, functionArgs, functionResult), nil
	}
	return text, nil
}

func (c *Client) Summarize(ctx context.Context, taskPrompt string, snippets []string) (string, error) {
	prompt := buildSummaryPrompt(taskPrompt, snippets)
	text, err := c.generateWithRetry(ctx, prompt, 0.3, 350)
	if err != nil {
		slog.Warn("gemini summarize failed, using extractive fallback", "error", err)
		return mockSummarize(taskPrompt, snippets), nil
	}
	return text, nil
}

// errRateLimited marks a 429 response.
type errRateLimited struct{ status int }

func (e errRateLimited) Error() string { return fmt.Sprintf("rate limited (status %d)", e.status) }

// generateWithRetry issues one generateContent call, retrying exactly once
// after the fixed backoff when the API answers 429.
func (c *Client) generateWithRetry(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	text, err := c.generate(ctx, prompt, temperature, maxTokens)
	if _, limited := err.(errRateLimited); !limited {
		return text, err
	}

	slog.Warn("gemini rate limited, retrying after backoff", "backoff", c.backoff)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(c.backoff):
	}
	return c.generate(ctx, prompt, temperature, maxTokens)
}

// generateRequest is the JSON body for POST :generateContent.
type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

// generateResponse is the JSON returned by :generateContent.
type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (c *Client) generate(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents:         []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{Temperature: temperature, MaxOutputTokens: maxTokens},
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", errRateLimited{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generate: unexpected status %d", resp.StatusCode)
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding generate response: %w", err)
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("generate: empty candidates")
	}

	var sb strings.Builder
	for _, p := range result.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

func buildCompressionPrompt(functionName, functionArgs, functionResult string) string {
	return strings.Join([]string{
		"Summarize this coding action in under 120 tokens:",
		"Function: " + functionName,
		"Args: " + truncate(functionArgs, 1500),
		"Result: " + truncate(functionResult, 1500),
		"Include: what changed, key files, why it matters.",
		"Skip boilerplate.",
	}, "\n")
}

func buildSummaryPrompt(taskPrompt string, snippets []string) string {
	var lines strings.Builder
	for i, s := range snippets {
		fmt.Fprintf(&lines, "%d. %s\n", i+1, s)
	}
	return strings.Join([]string{
		"Summarize the session in 3-4 sentences (no bullets).",
		"User goal: " + taskPrompt,
		"Actions:",
		strings.TrimRight(lines.String(), "\n"),
		"Cover accomplishments, key files, decisions, and learnings.",
	}, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
