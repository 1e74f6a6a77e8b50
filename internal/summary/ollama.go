package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/minutes/internal/apperr"
)

// EndMarker is the line the model is told to finish with. A response without
// it is treated as cut off and requested once more with a larger budget.
const EndMarker = "<!-- END -->"

const (
	numPredict      = 480
	numPredictRetry = 640
	temperature     = 0.2
)

var (
	fenceStart = regexp.MustCompile("^\\s*```[\\w-]*\\s*\\n?")
	fenceEnd   = regexp.MustCompile("\\n?\\s*```\\s*$")
)

const promptTemplate = `Write concise meeting minutes in Markdown from the transcript below.

# Summary
- 3 to 6 bullets with the key points

## Action Items
- [ ] task (owner: , due: )

## Decisions
- 2 to 5 agreed or confirmed items

Rules:
- Output only the Markdown body, no commentary
- Never use code fences or language tags
- Always include all three sections
- Finish with %s on the last line

Transcript:
"""%s"""`

// Config for the Ollama summarizer.
type Config struct {
	Host       string
	Model      string
	InputLimit int
	Timeout    time.Duration
}

// Client produces meeting minutes with Ollama's /api/generate endpoint.
type Client struct {
	host       string
	model      string
	inputLimit int
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Host == "" {
		cfg.Host = "http://127.0.0.1:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "qwen2.5:3b-instruct-q4_K_M"
	}
	if cfg.InputLimit <= 0 {
		cfg.InputLimit = 8000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Client{
		host:       strings.TrimRight(cfg.Host, "/"),
		model:      cfg.Model,
		inputLimit: cfg.InputLimit,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Summarize returns sanitized minutes markdown for text. Input beyond
// maxInputChars (or the client limit when zero) is cut, never rejected.
func (c *Client) Summarize(ctx context.Context, text string, maxInputChars int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("summarize: %w", apperr.ErrEmptyTranscript)
	}
	limit := maxInputChars
	if limit <= 0 || limit > c.inputLimit {
		limit = c.inputLimit
	}
	prompt := fmt.Sprintf(promptTemplate, EndMarker, Truncate(text, limit))

	md, err := c.generate(ctx, prompt, numPredict)
	if err != nil {
		return "", err
	}
	if !strings.Contains(md, EndMarker) {
		slog.Info("summary missing end marker, retrying with larger budget", "num_predict", numPredictRetry)
		md, err = c.generate(ctx, prompt, numPredictRetry)
		if err != nil {
			return "", err
		}
	}
	if strings.TrimSpace(md) == "" {
		return "", fmt.Errorf("summarize: empty model response: %w", apperr.ErrCapabilityUnavailable)
	}

	md = strings.TrimRight(strings.ReplaceAll(md, EndMarker, ""), " \n\t")
	return Sanitize(md), nil
}

func (c *Client) generate(ctx context.Context, prompt string, predict int) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Options: generateOptions{NumPredict: predict, Temperature: temperature},
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("ollama generate: %w", err)
		}
		return "", fmt.Errorf("ollama generate: %w: %w", apperr.ErrCapabilityUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read generate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama error (HTTP %d): %s: %w", resp.StatusCode, string(respBody), apperr.ErrCapabilityUnavailable)
	}

	var out generateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("parse generate response: %w", err)
	}
	return strings.TrimSpace(out.Response), nil
}

// Sanitize strips code fences and appends any missing section with a placeholder.
func Sanitize(md string) string {
	s := strings.TrimSpace(md)
	if strings.HasPrefix(s, "```") {
		s = fenceStart.ReplaceAllString(s, "")
		s = fenceEnd.ReplaceAllString(s, "")
		s = strings.TrimSpace(s)
	}

	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, strings.ToLower(HeadingSummary)) {
		s = HeadingSummary + "\n" + s
	}
	if !strings.Contains(lower, strings.ToLower(HeadingActionItems)) {
		s += "\n\n" + HeadingActionItems + "\n" + Placeholder
	}
	if !strings.Contains(lower, strings.ToLower(HeadingDecisions)) {
		s += "\n\n" + HeadingDecisions + "\n" + Placeholder
	}
	return s
}
