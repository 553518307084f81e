// Package notify fans a fired alert out to the user's configured channels:
// email via SendGrid plus Slack, Discord and Teams webhooks. Channels are
// independent; one failing never blocks the others, and the alert's delivery
// record reflects exactly the channels that accepted the message.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/vigil/backend/internal/core"
	"github.com/vigil/backend/internal/metrics"
	"github.com/vigil/backend/internal/store"
)

// Channel names as recorded in delivered_channels.
const (
	ChannelEmail   = "email"
	ChannelSlack   = "slack"
	ChannelDiscord = "discord"
	ChannelTeams   = "teams"
)

const sendgridBaseURL = "https://api.sendgrid.com"

// Recipients is the slice of the relational store the dispatcher needs.
type Recipients interface {
	GetUser(ctx context.Context, userID string) (*core.User, error)
	GetPreferences(ctx context.Context, userID string) (*core.NotificationPreferences, error)
	UpdateAlertDelivery(ctx context.Context, alertID string, channels []string, deliveredAt time.Time) error
}

// Defaults apply when a user has no preferences row: email stays on and the
// process-wide webhook URLs (if any) are used.
type Defaults struct {
	SlackWebhook   string
	DiscordWebhook string
	TeamsWebhook   string
}

// Dispatcher delivers alerts. The HTTP client is shared and long-lived; it is
// only torn down at process shutdown via Close.
type Dispatcher struct {
	recipients Recipients
	defaults   Defaults
	metrics    *metrics.Metrics

	sendgridKey string
	sendgridURL string
	emailFrom   string

	client *http.Client
}

// NewDispatcher builds a dispatcher. An empty sendgridKey disables the email
// channel entirely. metrics may be nil.
func NewDispatcher(recipients Recipients, defaults Defaults, sendgridKey, emailFrom string, m *metrics.Metrics) *Dispatcher {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = 30 * time.Second

	return &Dispatcher{
		recipients:  recipients,
		defaults:    defaults,
		metrics:     m,
		sendgridKey: sendgridKey,
		sendgridURL: sendgridBaseURL,
		emailFrom:   emailFrom,
		client:      client,
	}
}

// Close releases the pooled HTTP connections.
func (d *Dispatcher) Close() {
	d.client.CloseIdleConnections()
}

// Dispatch sends the alert to every enabled channel concurrently, then
// records the set of channels that accepted it. A fully failed fan-out marks
// the alert failed; dispatch errors never propagate to the caller beyond the
// returned error, and never undo the alert row.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *core.Alert, monitor *core.Monitor) error {
	user, err := d.recipients.GetUser(ctx, alert.UserID)
	if err != nil {
		return fmt.Errorf("resolve alert recipient: %w", err)
	}
	prefs := d.resolvePreferences(ctx, alert.UserID)

	type attempt struct {
		channel string
		send    func(context.Context) error
	}
	var attempts []attempt
	if prefs.EmailEnabled && d.sendgridKey != "" {
		attempts = append(attempts, attempt{ChannelEmail, func(ctx context.Context) error {
			return d.sendEmail(ctx, alert, monitor, user.Email)
		}})
	}
	if prefs.SlackWebhook != "" {
		attempts = append(attempts, attempt{ChannelSlack, func(ctx context.Context) error {
			return d.postJSON(ctx, prefs.SlackWebhook, slackPayload(alert, monitor))
		}})
	}
	if prefs.DiscordWebhook != "" {
		attempts = append(attempts, attempt{ChannelDiscord, func(ctx context.Context) error {
			return d.postJSON(ctx, prefs.DiscordWebhook, discordPayload(alert, monitor))
		}})
	}
	if prefs.TeamsWebhook != "" {
		attempts = append(attempts, attempt{ChannelTeams, func(ctx context.Context) error {
			return d.postJSON(ctx, prefs.TeamsWebhook, teamsPayload(alert, monitor))
		}})
	}

	var (
		mu        sync.Mutex
		delivered []string
		wg        sync.WaitGroup
	)
	for _, a := range attempts {
		wg.Add(1)
		go func(a attempt) {
			defer wg.Done()
			err := a.send(ctx)
			if d.metrics != nil {
				d.metrics.RecordDelivery(a.channel, err == nil)
			}
			if err != nil {
				slog.Error("notification delivery failed",
					"alert_id", alert.ID, "channel", a.channel, "error", err)
				return
			}
			mu.Lock()
			delivered = append(delivered, a.channel)
			mu.Unlock()
			slog.Info("notification delivered", "alert_id", alert.ID, "channel", a.channel)
		}(a)
	}
	wg.Wait()

	if err := d.recipients.UpdateAlertDelivery(ctx, alert.ID, delivered, time.Now().UTC()); err != nil {
		return fmt.Errorf("record alert delivery: %w", err)
	}
	return nil
}

// resolvePreferences returns the user's stored preferences, falling back to
// the process defaults when no row exists or the store is unreachable.
func (d *Dispatcher) resolvePreferences(ctx context.Context, userID string) *core.NotificationPreferences {
	prefs, err := d.recipients.GetPreferences(ctx, userID)
	if err == nil {
		return prefs
	}
	if !errors.Is(err, store.ErrNotFound) {
		slog.Warn("failed to load notification preferences, using defaults",
			"user_id", userID, "error", err)
	}
	return &core.NotificationPreferences{
		UserID:         userID,
		EmailEnabled:   true,
		SlackWebhook:   d.defaults.SlackWebhook,
		DiscordWebhook: d.defaults.DiscordWebhook,
		TeamsWebhook:   d.defaults.TeamsWebhook,
	}
}

func (d *Dispatcher) sendEmail(ctx context.Context, alert *core.Alert, monitor *core.Monitor, to string) error {
	payload := sendgridPayload(alert, monitor, d.emailFrom, to)
	url := d.sendgridURL + "/v3/mail/send"

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode email: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+d.sendgridKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) postJSON(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
