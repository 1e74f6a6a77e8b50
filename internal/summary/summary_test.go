package summary

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/MikeSquared-Agency/minutes/internal/apperr"
)

func TestParse_AllSections(t *testing.T) {
	md := `# Summary
- Launch moved to May
* Budget approved

## Action Items
- [ ] Draft plan (owner: Kim, due: Fri)

## Decisions
Ship the beta`

	s := Parse(md)
	if s.Summary != "- Launch moved to May\n- Budget approved" {
		t.Errorf("unexpected summary %q", s.Summary)
	}
	if s.ActionItems != "- [ ] Draft plan (owner: Kim, due: Fri)" {
		t.Errorf("unexpected action items %q", s.ActionItems)
	}
	if s.Decisions != "- Ship the beta" {
		t.Errorf("unexpected decisions %q", s.Decisions)
	}
}

func TestParse_MissingSectionsGetPlaceholder(t *testing.T) {
	s := Parse("just some text the model returned")
	if s.Summary != "- just some text the model returned" {
		t.Errorf("unexpected summary %q", s.Summary)
	}
	if s.ActionItems != Placeholder || s.Decisions != Placeholder {
		t.Errorf("expected placeholders, got %+v", s)
	}

	empty := Parse("")
	if empty.Summary != Placeholder {
		t.Errorf("expected placeholder summary for empty input, got %q", empty.Summary)
	}
}

func TestParse_TolerantHeadings(t *testing.T) {
	s := Parse("### meeting summary:\n- a\n# ACTION ITEMS\n- b\n##decisions\n- c")
	if s.Summary != "- a" || s.ActionItems != "- b" || s.Decisions != "- c" {
		t.Errorf("unexpected sections %+v", s)
	}
}

func TestSanitize_StripsFencesAndAddsMissing(t *testing.T) {
	got := Sanitize("```markdown\n# Summary\n- a\n```")
	if strings.Contains(got, "```") {
		t.Errorf("fence not stripped: %q", got)
	}
	if !strings.Contains(got, HeadingActionItems+"\n"+Placeholder) {
		t.Errorf("missing action items placeholder: %q", got)
	}
	if !strings.Contains(got, HeadingDecisions+"\n"+Placeholder) {
		t.Errorf("missing decisions placeholder: %q", got)
	}
}

func TestFallback_UsesTranscriptPrefix(t *testing.T) {
	long := strings.Repeat("가", 500)
	s := Fallback(long)

	if !strings.HasPrefix(s.Summary, "Meeting notes: ") || !strings.HasSuffix(s.Summary, "...") {
		t.Errorf("unexpected fallback summary shape %q", s.Summary)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(s.Summary, "Meeting notes: "), "...")
	if utf8.RuneCountInString(body) != 300 {
		t.Errorf("expected 300-rune prefix, got %d", utf8.RuneCountInString(body))
	}
	if s.ActionItems == "" || s.Decisions == "" {
		t.Errorf("fallback sections must be non-empty")
	}
}

func TestTruncate_RuneSafe(t *testing.T) {
	got := Truncate("한국어텍스트", 3)
	if got != "한국어" {
		t.Errorf("expected 한국어, got %q", got)
	}
	if Truncate("abc", 10) != "abc" {
		t.Errorf("short input must be unchanged")
	}
	if !utf8.ValidString(Truncate(strings.Repeat("é", 100), 7)) {
		t.Errorf("truncation produced invalid UTF-8")
	}
}

func TestRecord_ContainsAllSections(t *testing.T) {
	rec := Sections{Summary: "- s", ActionItems: "- a", Decisions: "- d"}.Record()
	back := Parse(rec)
	if back.Summary != "- s" || back.ActionItems != "- a" || back.Decisions != "- d" {
		t.Errorf("record does not parse back: %+v", back)
	}
}

func ollamaServer(t *testing.T, responses ...string) (*httptest.Server, *atomic.Int32, *[]int) {
	t.Helper()
	var calls atomic.Int32
	var budgets []int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		budgets = append(budgets, req.Options.NumPredict)
		i := int(calls.Add(1)) - 1
		if i >= len(responses) {
			i = len(responses) - 1
		}
		json.NewEncoder(w).Encode(generateResponse{Response: responses[i]})
	}))
	t.Cleanup(ts.Close)
	return ts, &calls, &budgets
}

func TestSummarize_RetriesOnceWithoutEndMarker(t *testing.T) {
	ts, calls, budgets := ollamaServer(t,
		"# Summary\n- cut off",
		"# Summary\n- full\n\n## Action Items\n- x\n\n## Decisions\n- y\n"+EndMarker,
	)

	c := NewClient(Config{Host: ts.URL})
	md, err := c.Summarize(context.Background(), "transcript", 0)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
	if (*budgets)[0] != numPredict || (*budgets)[1] != numPredictRetry {
		t.Errorf("unexpected budgets %v", *budgets)
	}
	if strings.Contains(md, EndMarker) {
		t.Errorf("end marker not removed")
	}
	if Parse(md).Decisions != "- y" {
		t.Errorf("unexpected decisions in %q", md)
	}
}

func TestSummarize_NoRetryWhenMarkerPresent(t *testing.T) {
	ts, calls, _ := ollamaServer(t, "# Summary\n- ok\n"+EndMarker)

	md, err := NewClient(Config{Host: ts.URL}).Summarize(context.Background(), "transcript", 0)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
	if !strings.Contains(md, HeadingDecisions+"\n"+Placeholder) {
		t.Errorf("expected decisions placeholder, got %q", md)
	}
}

func TestSummarize_TruncatesInput(t *testing.T) {
	var prompt string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		prompt = req.Prompt
		json.NewEncoder(w).Encode(generateResponse{Response: "# Summary\n- ok\n" + EndMarker})
	}))
	defer ts.Close()

	text := strings.Repeat("a", 50) + strings.Repeat("b", 50)
	if _, err := NewClient(Config{Host: ts.URL}).Summarize(context.Background(), text, 50); err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if strings.Contains(prompt, strings.Repeat("b", 10)) {
		t.Errorf("input was not truncated")
	}
}

func TestSummarize_ServerErrorIsCapabilityUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := NewClient(Config{Host: ts.URL}).Summarize(context.Background(), "transcript", 0)
	if !errors.Is(err, apperr.ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}
}

func TestSummarize_EmptyInput(t *testing.T) {
	_, err := NewClient(Config{Host: "http://unused"}).Summarize(context.Background(), "  ", 0)
	if !errors.Is(err, apperr.ErrEmptyTranscript) {
		t.Fatalf("expected ErrEmptyTranscript, got %v", err)
	}
}
