package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// minInterval bounds how often a failure alert may be posted.
const minInterval = 30 * time.Second

// Alerter posts failed pipeline runs to a Slack channel via chat.postMessage.
type Alerter struct {
	token   string
	channel string
	client  *http.Client
	apiURL  string

	mu       sync.Mutex
	lastSent time.Time
}

// NewAlerter creates a new Slack alerter.
func NewAlerter(token, channel string) *Alerter {
	return &Alerter{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  "https://slack.com/api/chat.postMessage",
	}
}

// RunFailure describes one failed pipeline run.
type RunFailure struct {
	RunID      string
	RoomID     string
	RoomNo     *int64
	FailedStep string
	Error      string
	Elapsed    time.Duration
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// PostRunFailure sends a Block Kit message for a failed run. It rate-limits
// to at most one alert per 30 seconds; skipped alerts return nil.
func (a *Alerter) PostRunFailure(ctx context.Context, f RunFailure) error {
	a.mu.Lock()
	if time.Since(a.lastSent) < minInterval {
		a.mu.Unlock()
		slog.Debug("slack alert rate-limited", "room", f.RoomID)
		return nil
	}
	a.lastSent = time.Now()
	a.mu.Unlock()

	step := f.FailedStep
	if step == "" {
		step = "unknown"
	}
	errMsg := f.Error
	if errMsg == "" {
		errMsg = "unknown"
	}
	roomNo := "unresolved"
	if f.RoomNo != nil {
		roomNo = fmt.Sprintf("%d", *f.RoomNo)
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": "Meeting Pipeline Failed",
			},
		},
		{
			"type": "section",
			"fields": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("*Room:*\n%s (%s)", f.RoomID, roomNo)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Step:*\n%s", step)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Error:*\n%s", errMsg)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Elapsed:*\n%s", f.Elapsed.Round(time.Millisecond))},
			},
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("Run %s at %s", f.RunID, time.Now().UTC().Format(time.RFC3339))},
			},
		},
	}

	body, err := json.Marshal(map[string]any{
		"channel": a.channel,
		"blocks":  blocks,
		"text":    fmt.Sprintf("Pipeline failed for room %s at %s: %s", f.RoomID, step, errMsg),
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	var sr slackResponse
	if json.Unmarshal(raw, &sr) == nil && !sr.OK && sr.Error != "" {
		return fmt.Errorf("slack api error: %s", sr.Error)
	}

	slog.Info("pipeline failure posted to Slack", "channel", a.channel, "room", f.RoomID, "run_id", f.RunID)
	return nil
}
