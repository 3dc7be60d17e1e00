// Package export renders completed research sessions to shareable files.
package export

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"researchd/internal/session"
)

// Format selects an export renderer.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

// ParseFormat accepts the format names the CLI exposes.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "markdown", "md", "":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown export format: %q (valid: markdown, json)", s)
	}
}

// ErrNoReport reports an export attempt against a session with no result.
var errNoReport = fmt.Errorf("session has no report to export")

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Filename builds the export filename: research_<slug>_<id8>.<ext>.
// The slug comes from the title when set, otherwise the query.
func Filename(s *session.Session, f Format) string {
	base := s.Title
	if base == "" {
		base = s.Query
	}
	slug := slugPattern.ReplaceAllString(strings.ToLower(base), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 50 {
		slug = strings.Trim(slug[:50], "-")
	}
	if slug == "" {
		slug = "untitled"
	}
	id := s.ID
	if len(id) > 8 {
		id = id[:8]
	}
	ext := "md"
	if f == FormatJSON {
		ext = "json"
	}
	return fmt.Sprintf("research_%s_%s.%s", slug, id, ext)
}

// Render produces the export body for a completed session.
func Render(s *session.Session, f Format) ([]byte, error) {
	if s.Result == nil || s.Result.Text == "" {
		return nil, fmt.Errorf("%w: session %s is %s", errNoReport, s.ID, s.State)
	}
	switch f {
	case FormatJSON:
		return renderJSON(s)
	default:
		return renderMarkdown(s), nil
	}
}

func renderMarkdown(s *session.Session) []byte {
	var b strings.Builder

	title := s.Title
	if title == "" {
		title = s.Query
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	fmt.Fprintf(&b, "- **Session:** %s\n", s.ID)
	fmt.Fprintf(&b, "- **Query:** %s\n", s.Query)
	fmt.Fprintf(&b, "- **Completed:** %s\n", completedAt(s).Format(time.RFC3339))
	if s.AgentName != "" {
		fmt.Fprintf(&b, "- **Agent:** %s\n", s.AgentName)
	}
	if len(s.Tags) > 0 {
		fmt.Fprintf(&b, "- **Tags:** %s\n", strings.Join(s.Tags, ", "))
	}
	b.WriteString("\n---\n\n")

	b.WriteString(s.Result.Text)
	if !strings.HasSuffix(s.Result.Text, "\n") {
		b.WriteString("\n")
	}

	if len(s.Result.Citations) > 0 {
		b.WriteString("\n## Sources\n\n")
		for _, c := range s.Result.Citations {
			title := c.Title
			if title == "" {
				title = c.Domain
			}
			fmt.Fprintf(&b, "%d. [%s](%s)\n", c.Number, title, c.URL)
		}
	}

	if len(s.Turns) > 0 {
		b.WriteString("\n## Follow-ups\n")
		for _, t := range s.Turns {
			fmt.Fprintf(&b, "\n### %s\n\n%s\n", t.Question, t.Answer)
		}
	}

	return []byte(b.String())
}

func renderJSON(s *session.Session) ([]byte, error) {
	doc := struct {
		ID          string             `json:"id"`
		Title       string             `json:"title,omitempty"`
		Query       string             `json:"query"`
		CompletedAt time.Time          `json:"completed_at"`
		AgentName   string             `json:"agent_name,omitempty"`
		Tags        []string           `json:"tags,omitempty"`
		Notes       string             `json:"notes,omitempty"`
		Summary     string             `json:"summary,omitempty"`
		Report      string             `json:"report"`
		Citations   []session.Citation `json:"citations,omitempty"`
		Usage       *session.Usage     `json:"usage,omitempty"`
		Turns       []session.Turn     `json:"turns,omitempty"`
	}{
		ID:          s.ID,
		Title:       s.Title,
		Query:       s.Query,
		CompletedAt: completedAt(s),
		AgentName:   s.AgentName,
		Tags:        s.Tags,
		Notes:       s.Notes,
		Summary:     s.Summary,
		Report:      s.Result.Text,
		Citations:   s.Result.Citations,
		Usage:       s.Result.Usage,
		Turns:       s.Turns,
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal export: %w", err)
	}
	return out, nil
}

func completedAt(s *session.Session) time.Time {
	if s.CompletedAt != nil {
		return *s.CompletedAt
	}
	return s.UpdatedAt
}
