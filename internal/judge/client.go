// Package judge implements the remote relevance classifier used by the
// consensus protocol.
package judge

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

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

// ErrMalformedReply is returned when the model answer carries no verdict.
var ErrMalformedReply = errors.New("judge reply has no verdict")

// Defaults for Config.
const (
	DefaultTemperature = 0.2
	DefaultMaxInFlight = 20
	DefaultTimeout     = 60 * time.Second
	DefaultTopic       = "artificial intelligence, including machine learning, deep learning, " +
		"neural networks, natural language processing and computer vision"
)

// Config describes an OpenAI-compatible chat completions endpoint.
type Config struct {
	Endpoint string
	Model    string
	APIKey   string
	// Topic is the research area an item must relate to.
	Topic       string
	Temperature float64
	Timeout     time.Duration
	// RPS caps request starts per second. Zero disables the limit.
	RPS float64
	// MaxInFlight caps concurrent requests across all callers.
	MaxInFlight int64
}

// Client asks a chat model whether an item relates to the configured topic.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	inFlight   *semaphore.Weighted
}

var _ crawler.Judge = (*Client)(nil)

// New validates cfg and builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("judge endpoint is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("judge model is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		inFlight:   semaphore.NewWeighted(cfg.MaxInFlight),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Judge implements crawler.Judge.
func (c *Client) Judge(ctx context.Context, title, abstract string) (bool, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, "", fmt.Errorf("judge rate limit: %w", err)
	}
	if err := c.inFlight.Acquire(ctx, 1); err != nil {
		return false, "", fmt.Errorf("judge slot: %w", err)
	}
	defer c.inFlight.Release(1)

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: c.systemPrompt()},
			{Role: "user", Content: userPrompt(title, abstract)},
		},
		Temperature:    c.cfg.Temperature,
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return false, "", fmt.Errorf("marshal judge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return false, "", fmt.Errorf("new judge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, "", fmt.Errorf("send judge request: %w", err)
		}
		// Resets and refused connections are worth another attempt.
		return false, "", &crawler.TransientFetchError{URL: c.cfg.Endpoint, Err: fmt.Errorf("send judge request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return false, "", &crawler.TransientFetchError{URL: c.cfg.Endpoint, StatusCode: resp.StatusCode}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, "", fmt.Errorf("judge error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false, "", fmt.Errorf("decode judge response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return false, "", fmt.Errorf("judge response has no choices: %w", ErrMalformedReply)
	}
	return ParseReply(decoded.Choices[0].Message.Content)
}

func (c *Client) systemPrompt() string {
	return "You are a professional academic paper analyst. You decide whether a paper is related to " +
		c.cfg.Topic + ". Answer with a JSON object of the form " +
		`{"relevant": true|false, "rationale": "<one or two sentences>"}.`
}

func userPrompt(title, abstract string) string {
	if strings.TrimSpace(abstract) == "" {
		abstract = "(no abstract available)"
	}
	return "Paper title:\n<title>\n" + title + "\n</title>\n\nPaper abstract:\n<abstract>\n" +
		abstract + "\n</abstract>"
}

var (
	judgmentTag    = regexp.MustCompile(`(?is)<judgment>(.*?)</judgment>`)
	explanationTag = regexp.MustCompile(`(?is)<explanation>(.*?)</explanation>`)
)

// ParseReply extracts the verdict from a model answer. JSON objects are
// preferred; the older <judgment>Related</judgment> wording and a bare
// "Related" / "Not Related" answer are accepted as well.
func ParseReply(content string) (bool, string, error) {
	content = strings.TrimSpace(content)
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		var reply struct {
			Relevant  *bool  `json:"relevant"`
			Rationale string `json:"rationale"`
		}
		if err := json.Unmarshal([]byte(content[start:end+1]), &reply); err == nil && reply.Relevant != nil {
			return *reply.Relevant, strings.TrimSpace(reply.Rationale), nil
		}
	}

	judgment := content
	if m := judgmentTag.FindStringSubmatch(content); m != nil {
		judgment = m[1]
	}
	rationale := ""
	if m := explanationTag.FindStringSubmatch(content); m != nil {
		rationale = strings.TrimSpace(m[1])
	}
	switch normalized := strings.ToLower(strings.TrimSpace(judgment)); {
	case strings.HasPrefix(normalized, "not related"):
		return false, rationale, nil
	case strings.HasPrefix(normalized, "related"):
		return true, rationale, nil
	}
	return false, "", fmt.Errorf("%w: %.80q", ErrMalformedReply, content)
}
