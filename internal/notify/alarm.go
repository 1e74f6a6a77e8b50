package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MikeSquared-Agency/minutes/internal/apperr"
)

// AlarmTypeMeeting marks alarms raised for a finished meeting.
const AlarmTypeMeeting = "MEETING"

// Alarm is the body posted to the alarm API, one per participant.
type Alarm struct {
	UserNo      int64  `json:"userNo"`
	AlarmType   string `json:"alarmType"`
	ReferenceNo int64  `json:"referenceNo"`
	Content     string `json:"content"`
}

// AlarmNotifier delivers completion alarms to the meeting application's
// alarm endpoint, forwarding the caller's auth token.
type AlarmNotifier struct {
	url    string
	client *http.Client
}

func NewAlarmNotifier(url string, timeout time.Duration) *AlarmNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AlarmNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Notify posts one alarm per participant. Every participant is attempted;
// the joined error lists the ones that failed.
func (n *AlarmNotifier) Notify(ctx context.Context, roomNo int64, participants []int64, title, authToken string) error {
	if len(participants) == 0 {
		slog.Info("no participants to notify", "room_no", roomNo)
		return nil
	}

	content := fmt.Sprintf("Meeting minutes are ready: %s", title)
	var errs []error
	sent := 0
	for _, userNo := range participants {
		alarm := Alarm{
			UserNo:      userNo,
			AlarmType:   AlarmTypeMeeting,
			ReferenceNo: roomNo,
			Content:     content,
		}
		if err := n.post(ctx, alarm, authToken); err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", userNo, err))
			continue
		}
		sent++
	}

	slog.Info("participants notified", "room_no", roomNo, "sent", sent, "failed", len(errs))
	if len(errs) > 0 {
		return fmt.Errorf("notify room %d: %w: %w", roomNo, apperr.ErrCapabilityUnavailable, errors.Join(errs...))
	}
	return nil
}

func (n *AlarmNotifier) post(ctx context.Context, alarm Alarm, authToken string) error {
	body, err := json.Marshal(alarm)
	if err != nil {
		return fmt.Errorf("marshal alarm: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("alarm post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alarm api returned %d", resp.StatusCode)
	}
	return nil
}
