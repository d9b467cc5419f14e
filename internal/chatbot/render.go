package chatbot

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"EduMind/internal/session"
	"EduMind/internal/stream"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

var (
	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	botStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	phaseStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
)

var phaseLabels = map[string]string{
	stream.PhaseAnalyzingIntent:     "Analyzing your question...",
	stream.PhaseRetrievingKnowledge: "Searching the knowledge base...",
	stream.PhaseReasoning:           "Reasoning...",
	stream.PhaseSummarizing:         "Summarizing...",
	stream.PhaseGenerating:          "Writing the answer...",
	stream.PhaseFallbackGenerating:  "Answering from general knowledge...",
}

// renderer serializes all terminal output.
type renderer struct {
	mu       sync.Mutex
	out      io.Writer
	markdown *glamour.TermRenderer
}

func newRenderer(out io.Writer) *renderer {
	md, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	return &renderer{out: out, markdown: md}
}

func (r *renderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *renderer) banner() {
	r.printf("%s\n", titleStyle.Render("=== EduMind ==="))
	r.printf("Type /help for commands, /quit to exit\n\n")
}

func (r *renderer) greeting() {
	r.printf("%s Hi! Ask me anything about your course material.\n\n", botStyle.Render("EduMind:"))
}

func (r *renderer) prompt() {
	r.printf("%s ", userStyle.Render("You:"))
}

func (r *renderer) phase(p string) {
	label, ok := phaseLabels[p]
	if !ok {
		label = p + "..."
	}
	r.printf("%s\n", phaseStyle.Render(label))
}

func (r *renderer) botLabel() {
	r.printf("%s ", botStyle.Render("EduMind:"))
}

func (r *renderer) write(s string) {
	r.printf("%s", s)
}

func (r *renderer) endReply(model string) {
	if model != "" {
		r.printf("\n%s\n\n", idStyle.Render("("+model+")"))
		return
	}
	r.printf("\n\n")
}

func (r *renderer) notice(msg string) {
	r.printf("%s\n", msg)
}

func (r *renderer) fail(err error) {
	r.printf("%s\n", errorStyle.Render("Error: "+err.Error()))
}

// history shows stored messages at once, without the typing effect.
func (r *renderer) history(id string, msgs []session.Message) {
	r.printf("%s %s\n\n", titleStyle.Render("Session"), idStyle.Render(id))
	if len(msgs) == 0 {
		r.printf("%s\n\n", phaseStyle.Render("No messages yet."))
		return
	}
	for _, m := range msgs {
		if m.Role == session.RoleUser {
			r.printf("%s %s\n\n", userStyle.Render("You:"), m.Content)
			continue
		}
		r.printf("%s\n%s\n", botStyle.Render("EduMind:"), r.renderMarkdown(m.Content))
	}
}

func (r *renderer) renderMarkdown(text string) string {
	if r.markdown == nil {
		return text + "\n"
	}
	out, err := r.markdown.Render(text)
	if err != nil {
		return text + "\n"
	}
	return out
}

func (r *renderer) sessions(chats []session.Summary, active string) {
	if len(chats) == 0 {
		r.printf("No recent sessions.\n")
		return
	}
	r.printf("\n%s\n", titleStyle.Render("Recent sessions:"))
	for i, c := range chats {
		marker := " "
		if c.ID == active {
			marker = "*"
		}
		title := strings.TrimSpace(c.Title)
		if title == "" {
			title = "(untitled)"
		}
		r.printf("%s %d. %s %s %s\n", marker, i+1, title,
			idStyle.Render(c.ID), dateStyle.Render(c.CreatedAt.Local().Format("2006-01-02 15:04")))
	}
	r.printf("\n")
}

func (r *renderer) help() {
	r.printf("Available commands:\n")
	r.printf("  /new                - Start a new chat\n")
	r.printf("  /switch <id>        - Continue an earlier session\n")
	r.printf("  /history [days]     - List recent sessions\n")
	r.printf("  /delete <id>        - Delete a session\n")
	r.printf("  /help               - Show this help message\n")
	r.printf("  /quit, /exit        - Exit\n")
}
