package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil/backend/internal/core"
	"github.com/vigil/backend/internal/store"
)

type fakeRecipients struct {
	user      *core.User
	prefs     *core.NotificationPreferences
	delivered []string
	updated   bool
}

func (f *fakeRecipients) GetUser(ctx context.Context, userID string) (*core.User, error) {
	return f.user, nil
}

func (f *fakeRecipients) GetPreferences(ctx context.Context, userID string) (*core.NotificationPreferences, error) {
	if f.prefs == nil {
		return nil, store.ErrNotFound
	}
	return f.prefs, nil
}

func (f *fakeRecipients) UpdateAlertDelivery(ctx context.Context, alertID string, channels []string, deliveredAt time.Time) error {
	f.delivered = channels
	f.updated = true
	return nil
}

func testAlert() (*core.Alert, *core.Monitor) {
	created := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	alert := &core.Alert{
		ID:       "alert_12345678",
		RuleID:   "rule_12345678",
		UserID:   "usr_12345678",
		Severity: core.SeverityHigh,
		Title:    "BTC above 50k",
		Data: core.AlertData{
			Condition: core.Condition{Type: "threshold", Field: "price", Operator: ">", Value: 50000},
			TriggerData: []core.Sample{
				{Time: created, Fields: map[string]float64{"price": 51000}},
			},
		},
		Status:    core.AlertPending,
		CreatedAt: created,
	}
	monitor := &core.Monitor{ID: "mon_12345678", Name: "BTC price", UserID: alert.UserID}
	return alert, monitor
}

func TestDispatch_PartialFailureStillRecordsSuccesses(t *testing.T) {
	sendgrid := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer sendgrid.Close()

	slack := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer slack.Close()

	var discordBody discordMessage
	discord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&discordBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer discord.Close()

	rec := &fakeRecipients{
		user: &core.User{ID: "usr_12345678", Email: "a@b.c"},
		prefs: &core.NotificationPreferences{
			UserID:         "usr_12345678",
			EmailEnabled:   true,
			SlackWebhook:   slack.URL,
			DiscordWebhook: discord.URL,
		},
	}

	d := NewDispatcher(rec, Defaults{}, "sg-key", "alerts@vigil.dev", nil)
	defer d.Close()
	d.sendgridURL = sendgrid.URL

	alert, monitor := testAlert()
	require.NoError(t, d.Dispatch(context.Background(), alert, monitor))

	require.True(t, rec.updated)
	sort.Strings(rec.delivered)
	assert.Equal(t, []string{"discord", "email"}, rec.delivered)

	require.Len(t, discordBody.Embeds, 1)
	embed := discordBody.Embeds[0]
	assert.Equal(t, 0xfd7e14, embed.Color)
	assert.Equal(t, "```latest(price) > 50000```", embed.Fields[2].Value)
	assert.Equal(t, "2026-08-24T12:00:00Z", embed.Timestamp)
}

func TestDispatch_AllChannelsFailRecordsEmpty(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	rec := &fakeRecipients{
		user: &core.User{ID: "usr_12345678", Email: "a@b.c"},
		prefs: &core.NotificationPreferences{
			UserID:       "usr_12345678",
			EmailEnabled: false,
			SlackWebhook: down.URL,
		},
	}

	d := NewDispatcher(rec, Defaults{}, "", "alerts@vigil.dev", nil)
	defer d.Close()

	alert, monitor := testAlert()
	require.NoError(t, d.Dispatch(context.Background(), alert, monitor))
	require.True(t, rec.updated)
	assert.Empty(t, rec.delivered)
}

func TestDispatch_MissingPreferencesFallsBackToDefaults(t *testing.T) {
	var gotSlack slackMessage
	slack := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotSlack))
		w.WriteHeader(http.StatusOK)
	}))
	defer slack.Close()

	rec := &fakeRecipients{user: &core.User{ID: "usr_12345678", Email: "a@b.c"}}

	// No SendGrid key, so email is skipped even though defaults enable it.
	d := NewDispatcher(rec, Defaults{SlackWebhook: slack.URL}, "", "alerts@vigil.dev", nil)
	defer d.Close()

	alert, monitor := testAlert()
	require.NoError(t, d.Dispatch(context.Background(), alert, monitor))
	assert.Equal(t, []string{"slack"}, rec.delivered)

	require.Len(t, gotSlack.Attachments, 1)
	att := gotSlack.Attachments[0]
	assert.Equal(t, "#fd7e14", att.Color)
	assert.Equal(t, alert.CreatedAt.Unix(), att.TS)
	assert.Equal(t, "`latest(price) > 50000`", att.Fields[2].Value)
}

func TestPayloads_UnknownSeverityUsesDefaultColor(t *testing.T) {
	alert, monitor := testAlert()
	alert.Severity = "weird"

	assert.Equal(t, "#666666", slackPayload(alert, monitor).Attachments[0].Color)
	assert.Equal(t, 0x666666, discordPayload(alert, monitor).Embeds[0].Color)
	assert.Equal(t, "666666", teamsPayload(alert, monitor).ThemeColor)
}

func TestTeamsPayloadShape(t *testing.T) {
	alert, monitor := testAlert()
	msg := teamsPayload(alert, monitor)

	assert.Equal(t, "MessageCard", msg.Type)
	assert.Equal(t, "http://schema.org/extensions", msg.Context)
	assert.Equal(t, "fd7e14", msg.ThemeColor)
	require.Len(t, msg.Sections, 1)
	assert.Equal(t, "Monitor: BTC price", msg.Sections[0].ActivitySubtitle)
}
