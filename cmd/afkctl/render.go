package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/afk-console/backend/internal/eventlog"
	"github.com/afk-console/backend/internal/session"
)

var (
	colorOK     = lipgloss.Color("#22c55e")
	colorWarn   = lipgloss.Color("#d97706")
	colorError  = lipgloss.Color("#dc2626")
	colorInfo   = lipgloss.Color("#9ca3af")
	colorChat   = lipgloss.Color("#f9fafb")
	colorYou    = lipgloss.Color("#06b6d4")
	colorAuth   = lipgloss.Color("#a855f7")
	colorDimmed = lipgloss.Color("#6b7280")
)

var (
	dimStyle    = lipgloss.NewStyle().Foreground(colorDimmed)
	headerStyle = lipgloss.NewStyle().Bold(true)
	codeStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorAuth)
)

var levelColors = map[eventlog.Level]lipgloss.Color{
	eventlog.Info:  colorInfo,
	eventlog.OK:    colorOK,
	eventlog.Warn:  colorWarn,
	eventlog.Error: colorError,
	eventlog.Trace: colorDimmed,
	eventlog.Chat:  colorChat,
	eventlog.You:   colorYou,
	eventlog.Auth:  colorAuth,
}

var statusColors = map[session.Status]lipgloss.Color{
	session.Starting:     colorInfo,
	session.Online:       colorOK,
	session.Kicked:       colorError,
	session.Ended:        colorDimmed,
	session.Reconnecting: colorWarn,
	session.Removed:      colorDimmed,
}

func disableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func levelStyle(l eventlog.Level) lipgloss.Style {
	c, ok := levelColors[l]
	if !ok {
		c = colorInfo
	}
	return lipgloss.NewStyle().Foreground(c)
}

func statusStyle(s session.Status) lipgloss.Style {
	c, ok := statusColors[s]
	if !ok {
		c = colorInfo
	}
	return lipgloss.NewStyle().Foreground(c)
}

// shortID trims a uuid to its first group.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// renderEntry formats one log line. id is omitted when empty.
func renderEntry(id string, e eventlog.Entry) string {
	var b strings.Builder
	b.WriteString(dimStyle.Render(e.Time.Local().Format("15:04:05")))
	b.WriteByte(' ')
	if id != "" {
		b.WriteString(dimStyle.Render("[" + shortID(id) + "]"))
		b.WriteByte(' ')
	}
	b.WriteString(levelStyle(e.Level).Render(fmt.Sprintf("%-5s", e.Level)))
	b.WriteByte(' ')
	b.WriteString(levelStyle(e.Level).Render(e.Message))
	return b.String()
}

var tableColumns = []struct {
	title string
	width int
}{
	{"ID", 10},
	{"STATUS", 17},
	{"USER", 18},
	{"SERVER", 28},
	{"AUTH", 13},
	{"IDLE", 10},
	{"AGE", 8},
}

func renderTable(list []session.Summary, now time.Time) string {
	if len(list) == 0 {
		return dimStyle.Render("No sessions.")
	}

	cell := func(i int, s string, style lipgloss.Style) string {
		return style.Width(tableColumns[i].width).MaxWidth(tableColumns[i].width).Render(s)
	}

	var rows []string
	var header []string
	for i, col := range tableColumns {
		header = append(header, cell(i, col.title, headerStyle))
	}
	rows = append(rows, strings.Join(header, " "))

	plain := lipgloss.NewStyle()
	for _, s := range list {
		user := s.Username
		if user == "" {
			user = "-"
		}
		if s.Manual {
			user += "*"
		}
		row := []string{
			cell(0, shortID(s.ID), plain),
			cell(1, statusText(s, now), statusStyle(s.Status)),
			cell(2, user, plain),
			cell(3, fmt.Sprintf("%s:%d", s.Host, s.Port), plain),
			cell(4, string(s.Auth), plain),
			cell(5, s.IdleMode.String(), plain),
			cell(6, age(now, s.CreatedAt), dimStyle),
		}
		rows = append(rows, strings.Join(row, " "))
	}
	return strings.Join(rows, "\n")
}

// statusText adds the countdown to a pending reconnect.
func statusText(s session.Summary, now time.Time) string {
	if s.Status != session.Reconnecting || s.ReconnectAt == 0 {
		return s.Status.String()
	}
	left := time.UnixMilli(s.ReconnectAt).Sub(now).Round(time.Second)
	if left < 0 {
		left = 0
	}
	return fmt.Sprintf("%s %ds", s.Status, int(left.Seconds()))
}

func age(now time.Time, createdMs int64) string {
	d := now.Sub(time.UnixMilli(createdMs)).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
