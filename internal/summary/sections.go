package summary

import (
	"regexp"
	"strings"
)

const (
	HeadingSummary     = "# Summary"
	HeadingActionItems = "## Action Items"
	HeadingDecisions   = "## Decisions"

	// Placeholder stands in for a section the model left out.
	Placeholder = "- (none)"

	fallbackPrefixRunes = 300
)

var headingRe = regexp.MustCompile(`(?i)^\s*#{1,6}\s*(?:meeting\s+)?(summary|action\s*items|decisions)\s*:?\s*$`)

// Sections are the three parts of a meeting summary.
type Sections struct {
	Summary     string `json:"summary"`
	ActionItems string `json:"action_items"`
	Decisions   string `json:"decisions"`
}

// Record renders the full meeting record pushed to linked content.
func (s Sections) Record() string {
	var b strings.Builder
	b.WriteString(HeadingSummary)
	b.WriteString("\n")
	b.WriteString(s.Summary)
	b.WriteString("\n\n")
	b.WriteString(HeadingActionItems)
	b.WriteString("\n")
	b.WriteString(s.ActionItems)
	b.WriteString("\n\n")
	b.WriteString(HeadingDecisions)
	b.WriteString("\n")
	b.WriteString(s.Decisions)
	return b.String()
}

// Parse extracts the sections from model markdown. Text before the first
// heading counts as summary. Missing or empty sections become Placeholder.
func Parse(md string) Sections {
	var summary, actions, decisions []string
	current := &summary

	for _, raw := range strings.Split(md, "\n") {
		if m := headingRe.FindStringSubmatch(raw); m != nil {
			switch strings.ToLower(strings.Join(strings.Fields(m[1]), " ")) {
			case "summary":
				current = &summary
			case "action items":
				current = &actions
			case "decisions":
				current = &decisions
			}
			continue
		}
		if line := normalizeBullet(raw); line != "" {
			*current = append(*current, line)
		}
	}

	return Sections{
		Summary:     orPlaceholder(summary),
		ActionItems: orPlaceholder(actions),
		Decisions:   orPlaceholder(decisions),
	}
}

func normalizeBullet(raw string) string {
	t := strings.TrimSpace(raw)
	switch {
	case t == "":
		return ""
	case strings.HasPrefix(t, "- "):
		return t
	case strings.HasPrefix(t, "* "), strings.HasPrefix(t, "• "):
		_, rest, _ := strings.Cut(t, " ")
		return "- " + strings.TrimSpace(rest)
	case strings.HasPrefix(t, "#"):
		// Stray sub-heading inside a section.
		return "- " + strings.TrimSpace(strings.TrimLeft(t, "#"))
	default:
		return "- " + t
	}
}

func orPlaceholder(lines []string) string {
	if len(lines) == 0 {
		return Placeholder
	}
	return strings.Join(lines, "\n")
}

// Fallback is the deterministic summary used when the model is unavailable.
func Fallback(transcript string) Sections {
	prefix := Truncate(strings.TrimSpace(transcript), fallbackPrefixRunes)
	return Sections{
		Summary:     "Meeting notes: " + prefix + "...",
		ActionItems: "- [ ] Manual follow-up required (AI summary failed)",
		Decisions:   "- Manual review required (AI summary failed)",
	}
}

// Truncate caps text at limit runes without splitting a UTF-8 sequence.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	n := 0
	for i := range text {
		if n == limit {
			return text[:i]
		}
		n++
	}
	return text
}
