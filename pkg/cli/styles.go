package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/haivivi/pushtalk/pkg/envelope"
	"github.com/haivivi/pushtalk/pkg/relay"
)

// Theme defines the terminal color scheme.
type Theme struct {
	Primary lipgloss.Color
	Dim     lipgloss.Color
	Warn    lipgloss.Color
	Error   lipgloss.Color
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
	Warn:    lipgloss.Color("#f0b429"),
	Error:   lipgloss.Color("#ff5f56"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Title lipgloss.Style
	Label lipgloss.Style
	Help  lipgloss.Style
	Warn  lipgloss.Style
	Error lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Title: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Label: lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Width(20),
		Help:  lipgloss.NewStyle().Foreground(t.Dim),
		Warn:  lipgloss.NewStyle().Foreground(t.Warn),
		Error: lipgloss.NewStyle().Bold(true).Foreground(t.Error),
	}
}

// DefaultStyles are the styles of DefaultTheme.
var DefaultStyles = NewStyles(DefaultTheme)

// RoleLabel renders a fixed-width label for an event role.
func (s Styles) RoleLabel(r envelope.Role) string {
	switch r {
	case envelope.RoleUnknown:
		return s.Help.Width(20).Render(r.String())
	default:
		return s.Label.Render(r.String())
	}
}

// StateLabel renders a relay connection state.
func (s Styles) StateLabel(st relay.State) string {
	switch st {
	case relay.StateOpen:
		return s.Title.Render("● " + st.String())
	case relay.StateConnecting:
		return s.Warn.Render("◌ " + st.String())
	default:
		return s.Error.Render("○ " + st.String())
	}
}

// Status is where status lines go. Results go to stdout.
var Status io.Writer = os.Stderr

func status(style lipgloss.Style, mark, format string, args ...any) {
	fmt.Fprintln(Status, style.Render(mark)+" "+fmt.Sprintf(format, args...))
}

// PrintSuccess writes a success status line.
func PrintSuccess(format string, args ...any) {
	status(DefaultStyles.Title, "✓", format, args...)
}

// PrintInfo writes an informational status line.
func PrintInfo(format string, args ...any) {
	status(DefaultStyles.Help, "·", format, args...)
}

// PrintWarning writes a warning status line.
func PrintWarning(format string, args ...any) {
	status(DefaultStyles.Warn, "!", format, args...)
}

// PrintError writes an error status line.
func PrintError(format string, args ...any) {
	status(DefaultStyles.Error, "✗", format, args...)
}
