// Package render turns AI answers into terminal output. Answers use a light
// markdown dialect: a line wrapped in ** starts a section, a line starting
// with * is a list item, and **text** inside a line is bold.
package render

import (
	"io"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"recipe-assistant/internal/domain"
)

// TruncatedNote is appended to answers the relay cut short.
const TruncatedNote = "[Response truncated due to length]"

type ItemKind int

const (
	TextItem ItemKind = iota
	ListItem
)

type Item struct {
	Kind ItemKind
	Text string
}

type Section struct {
	Title string
	Items []Item
}

var boldPattern = regexp.MustCompile(`\*\*(.*?)\*\*`)

// Parse splits an answer into sections. Text before the first title goes
// into an untitled section.
func Parse(text string) []Section {
	var (
		sections []Section
		current  *Section
	)
	ensure := func() {
		if current == nil {
			current = &Section{}
		}
	}
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.HasPrefix(line, "**") && strings.HasSuffix(line, "**"):
			if current != nil {
				sections = append(sections, *current)
			}
			current = &Section{Title: strings.TrimSpace(strings.ReplaceAll(line, "**", ""))}
		case strings.HasPrefix(line, "*"):
			ensure()
			current.Items = append(current.Items, Item{Kind: ListItem, Text: strings.TrimSpace(line[1:])})
		default:
			ensure()
			current.Items = append(current.Items, Item{Kind: TextItem, Text: line})
		}
	}
	if current != nil {
		sections = append(sections, *current)
	}
	return sections
}

// Theme holds the colors used for answers.
type Theme struct {
	Title lipgloss.Color
	Text  lipgloss.Color
	Note  lipgloss.Color
	Error lipgloss.Color
}

var defaultTheme = Theme{
	Title: lipgloss.Color("#D7875F"), // warm orange
	Text:  lipgloss.Color("#D0D0D0"),
	Note:  lipgloss.Color("#6C6C6C"), // dim gray
	Error: lipgloss.Color("#FF005F"),
}

// Formatter renders answers for one output.
type Formatter struct {
	title  lipgloss.Style
	text   lipgloss.Style
	bold   lipgloss.Style
	note   lipgloss.Style
	errorS lipgloss.Style
	bullet string
}

// New returns a Formatter whose color support matches w.
func New(w io.Writer) *Formatter {
	r := lipgloss.NewRenderer(w)
	t := defaultTheme
	return &Formatter{
		title:  r.NewStyle().Foreground(t.Title).Bold(true).Underline(true),
		text:   r.NewStyle().Foreground(t.Text),
		bold:   r.NewStyle().Foreground(t.Text).Bold(true),
		note:   r.NewStyle().Foreground(t.Note).Italic(true),
		errorS: r.NewStyle().Foreground(t.Error).Bold(true),
		bullet: "•",
	}
}

// Turn renders a whole AI turn.
func (f *Formatter) Turn(turn domain.ChatTurn) string {
	var b strings.Builder
	for i, s := range Parse(turn.Content) {
		if i > 0 {
			b.WriteString("\n")
		}
		if s.Title != "" {
			b.WriteString(f.title.Render(s.Title))
			b.WriteString("\n")
		}
		for _, item := range s.Items {
			if item.Kind == ListItem {
				b.WriteString("  " + f.bullet + " ")
			}
			b.WriteString(f.inline(item.Text))
			b.WriteString("\n")
		}
	}
	if turn.Truncated {
		b.WriteString(f.Note(TruncatedNote))
		b.WriteString("\n")
	}
	return b.String()
}

// Note renders a dim side remark.
func (f *Formatter) Note(s string) string {
	return f.note.Render(s)
}

// Error renders a failure message.
func (f *Formatter) Error(s string) string {
	return f.errorS.Render(s)
}

// inline styles **bold** spans and leaves the rest as plain text.
func (f *Formatter) inline(s string) string {
	var b strings.Builder
	last := 0
	for _, m := range boldPattern.FindAllStringSubmatchIndex(s, -1) {
		b.WriteString(f.text.Render(s[last:m[0]]))
		b.WriteString(f.bold.Render(s[m[2]:m[3]]))
		last = m[1]
	}
	b.WriteString(f.text.Render(s[last:]))
	return b.String()
}
