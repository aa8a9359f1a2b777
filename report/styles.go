package report

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Semantic colors following the usual compiler conventions.
var (
	// Severity colors.
	colorError = lipgloss.Color("#ef4444") // red-500
	colorWarn  = lipgloss.Color("#eab308") // yellow-500
	colorInfo  = lipgloss.Color("#3b82f6") // blue-500
	colorHint  = lipgloss.Color("#10b981") // green-500

	// UI colors.
	colorRunning = lipgloss.Color("#06b6d4") // cyan-500
	colorDim     = lipgloss.Color("#6b7280") // gray-500
	colorMuted   = lipgloss.Color("#9ca3af") // gray-400
	colorBorder  = lipgloss.Color("#374151") // gray-700
)

// Styles holds all lipgloss styles used by the renderers.
type Styles struct {
	// Severity badges
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Hint    lipgloss.Style

	// Text styles
	Dim     lipgloss.Style
	Muted   lipgloss.Style
	Bold    lipgloss.Style
	Path    lipgloss.Style
	Running lipgloss.Style

	// Symbols
	SymbolOK    string
	SymbolFail  string
	SymbolFault string

	// Progress bar
	ProgressFilled lipgloss.Style
	ProgressEmpty  lipgloss.Style

	// Layout
	SeverityWidth int
}

// DefaultStyles returns colored styles.
func DefaultStyles() *Styles {
	return &Styles{
		Error:   lipgloss.NewStyle().Foreground(colorError).Bold(true),
		Warning: lipgloss.NewStyle().Foreground(colorWarn).Bold(true),
		Info:    lipgloss.NewStyle().Foreground(colorInfo),
		Hint:    lipgloss.NewStyle().Foreground(colorHint),

		Dim:     lipgloss.NewStyle().Foreground(colorDim),
		Muted:   lipgloss.NewStyle().Foreground(colorMuted),
		Bold:    lipgloss.NewStyle().Bold(true),
		Path:    lipgloss.NewStyle().Bold(true).Underline(true),
		Running: lipgloss.NewStyle().Foreground(colorRunning).Bold(true),

		SymbolOK:    "✓",
		SymbolFail:  "✗",
		SymbolFault: "⚠",

		ProgressFilled: lipgloss.NewStyle().Foreground(colorInfo),
		ProgressEmpty:  lipgloss.NewStyle().Foreground(colorBorder),

		// Fixed width so messages line up
		SeverityWidth: 7,
	}
}

// PlainStyles returns styles that render text unchanged.
func PlainStyles() *Styles {
	s := DefaultStyles()
	plain := lipgloss.NewStyle()

	s.Error, s.Warning, s.Info, s.Hint = plain, plain, plain, plain
	s.Dim, s.Muted, s.Bold, s.Path, s.Running = plain, plain, plain, plain, plain
	s.ProgressFilled, s.ProgressEmpty = plain, plain

	return s
}

// ColorEnabled reports whether w is a terminal and the environment allows
// colors (NO_COLOR, CLICOLOR_FORCE).
func ColorEnabled(w io.Writer) bool {
	return Interactive(w) && termenv.EnvColorProfile() != termenv.Ascii
}

// Interactive reports whether w is a terminal.
func Interactive(w io.Writer) bool {
	f, ok := w.(*os.File)

	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// ProgressChars returns the progress bar characters.
func ProgressChars() (string, string) {
	return "█", "░"
}
