package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tidemill/keel/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeRecordHandled, events.TypeTaskExecuted, events.TypeReplayDone:
		typeStyle = theme.StatusOK
	case events.TypeRecordRejected, events.TypeTaskFailed, events.TypeBlacklisted:
		typeStyle = theme.StatusFailed
	case events.TypePhaseChanged:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-24s", e.Type))

	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if pos, ok := data["position"].(float64); ok {
		parts = append(parts, fmt.Sprintf("pos=%d", int64(pos)))
	}
	if key, ok := data["key"].(float64); ok {
		parts = append(parts, fmt.Sprintf("key=%d", int64(key)))
	}
	if vt, ok := data["valueType"].(string); ok {
		parts = append(parts, vt)
	}
	if intent, ok := data["intent"].(string); ok {
		parts = append(parts, intent)
	}
	if phase, ok := data["phase"].(string); ok {
		parts = append(parts, phase)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
