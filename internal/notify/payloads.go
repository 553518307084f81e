package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/vigil/backend/internal/core"
)

// Severity colors shared by every channel. Slack takes the hex form, Discord
// the 24-bit integer, Teams the hex without the leading '#'.
var severityColors = map[string]string{
	core.SeverityLow:      "#28a745",
	core.SeverityMedium:   "#ffc107",
	core.SeverityHigh:     "#fd7e14",
	core.SeverityCritical: "#dc3545",
}

const defaultColor = "#666666"

var severityColorInts = map[string]int{
	core.SeverityLow:      0x28a745,
	core.SeverityMedium:   0xffc107,
	core.SeverityHigh:     0xfd7e14,
	core.SeverityCritical: 0xdc3545,
}

func colorHex(severity string) string {
	if c, ok := severityColors[severity]; ok {
		return c
	}
	return defaultColor
}

func colorInt(severity string) int {
	if c, ok := severityColorInts[severity]; ok {
		return c
	}
	return 0x666666
}

// ----------------------------------------------------------------------------
// SendGrid
// ----------------------------------------------------------------------------

type emailAddress struct {
	Email string `json:"email"`
}

type emailPersonalization struct {
	To []emailAddress `json:"to"`
}

type emailContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type emailMessage struct {
	Personalizations []emailPersonalization `json:"personalizations"`
	From             emailAddress           `json:"from"`
	Subject          string                 `json:"subject"`
	Content          []emailContent         `json:"content"`
}

func sendgridPayload(alert *core.Alert, monitor *core.Monitor, from, to string) emailMessage {
	latest := "N/A"
	if len(alert.Data.TriggerData) > 0 {
		if v, ok := alert.Data.TriggerData[0].Fields[alert.Data.Condition.Field]; ok {
			latest = fmt.Sprintf("%g", v)
		}
	}

	var b strings.Builder
	b.WriteString(`<html><body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">`)
	b.WriteString(`<div style="background: #1f2937; color: white; padding: 20px; border-radius: 8px 8px 0 0;">`)
	b.WriteString(`<h1 style="margin: 0; font-size: 24px;">Monitor Alert</h1>`)
	fmt.Fprintf(&b, `<p style="margin: 5px 0 0 0; opacity: 0.9;">%s</p></div>`, alert.Title)
	b.WriteString(`<div style="background: white; padding: 20px; border: 1px solid #e1e5e9; border-radius: 0 0 8px 8px;">`)
	fmt.Fprintf(&b, `<p><strong>Monitor:</strong> %s</p>`, monitor.Name)
	fmt.Fprintf(&b, `<p><strong>Severity:</strong> <span style="color: %s; font-weight: bold;">%s</span></p>`,
		colorHex(alert.Severity), strings.ToUpper(alert.Severity))
	fmt.Fprintf(&b, `<p><strong>Triggered:</strong> %s UTC</p>`, alert.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, `<p><strong>Current Value:</strong> %s</p>`, latest)
	fmt.Fprintf(&b, `<div style="background: #e9ecef; padding: 10px; border-radius: 4px; font-family: monospace;">%s</div>`,
		alert.Data.Condition.String())
	fmt.Fprintf(&b, `<div style="font-size: 12px; color: #666; padding-top: 15px;"><p>Alert ID: %s</p></div>`, alert.ID)
	b.WriteString(`</div></body></html>`)

	return emailMessage{
		Personalizations: []emailPersonalization{{To: []emailAddress{{Email: to}}}},
		From:             emailAddress{Email: from},
		Subject:          "Alert: " + alert.Title,
		Content:          []emailContent{{Type: "text/html", Value: b.String()}},
	}
}

// ----------------------------------------------------------------------------
// Slack
// ----------------------------------------------------------------------------

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	TS     int64        `json:"ts"`
}

type slackMessage struct {
	Attachments []slackAttachment `json:"attachments"`
}

func slackPayload(alert *core.Alert, monitor *core.Monitor) slackMessage {
	return slackMessage{
		Attachments: []slackAttachment{{
			Color: colorHex(alert.Severity),
			Title: alert.Title,
			Fields: []slackField{
				{Title: "Monitor", Value: monitor.Name, Short: true},
				{Title: "Severity", Value: strings.ToUpper(alert.Severity), Short: true},
				{Title: "Condition", Value: "`" + alert.Data.Condition.String() + "`", Short: false},
				{Title: "Triggered", Value: alert.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
			},
			Footer: "Vigil",
			TS:     alert.CreatedAt.Unix(),
		}},
	}
}

// ----------------------------------------------------------------------------
// Discord
// ----------------------------------------------------------------------------

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title     string              `json:"title"`
	Color     int                 `json:"color"`
	Fields    []discordEmbedField `json:"fields"`
	Footer    map[string]string   `json:"footer"`
	Timestamp string              `json:"timestamp"`
}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds"`
}

func discordPayload(alert *core.Alert, monitor *core.Monitor) discordMessage {
	return discordMessage{
		Embeds: []discordEmbed{{
			Title: alert.Title,
			Color: colorInt(alert.Severity),
			Fields: []discordEmbedField{
				{Name: "Monitor", Value: monitor.Name, Inline: true},
				{Name: "Severity", Value: strings.ToUpper(alert.Severity), Inline: true},
				{Name: "Condition", Value: "```" + alert.Data.Condition.String() + "```", Inline: false},
			},
			Footer:    map[string]string{"text": "Vigil"},
			Timestamp: alert.CreatedAt.UTC().Format(time.RFC3339),
		}},
	}
}

// ----------------------------------------------------------------------------
// Microsoft Teams
// ----------------------------------------------------------------------------

type teamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type teamsSection struct {
	ActivityTitle    string      `json:"activityTitle"`
	ActivitySubtitle string      `json:"activitySubtitle"`
	Facts            []teamsFact `json:"facts"`
	Markdown         bool        `json:"markdown"`
}

type teamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	ThemeColor string         `json:"themeColor"`
	Summary    string         `json:"summary"`
	Sections   []teamsSection `json:"sections"`
}

func teamsPayload(alert *core.Alert, monitor *core.Monitor) teamsMessage {
	return teamsMessage{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		ThemeColor: strings.TrimPrefix(colorHex(alert.Severity), "#"),
		Summary:    "Alert: " + alert.Title,
		Sections: []teamsSection{{
			ActivityTitle:    alert.Title,
			ActivitySubtitle: "Monitor: " + monitor.Name,
			Facts: []teamsFact{
				{Name: "Severity", Value: strings.ToUpper(alert.Severity)},
				{Name: "Condition", Value: "`" + alert.Data.Condition.String() + "`"},
				{Name: "Triggered", Value: alert.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC")},
			},
			Markdown: true,
		}},
	}
}
