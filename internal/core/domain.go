package core

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity levels for alert rules and alerts.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Monitor lifecycle states.
const (
	MonitorStarting  = "starting"
	MonitorDeploying = "deploying"
	MonitorRunning   = "running"
	MonitorError     = "error"
)

// Alert delivery states.
const (
	AlertPending      = "pending"
	AlertDelivered    = "delivered"
	AlertFailed       = "failed"
	AlertAcknowledged = "acknowledged"
)

// User tiers.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// ValidSeverity reports whether s is one of the closed severity set.
func ValidSeverity(s string) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// NewID generates an entity identifier with the given prefix,
// e.g. NewID("mon") → "mon_3f9a1c2e".
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// User is created on first authentication and never hard-deleted.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Tier      string    `json:"tier"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Secret holds the ciphertext of a user-supplied value. The plaintext only
// exists inside the vault's Encrypt/Decrypt calls and at workload apply time.
type Secret struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	EncryptedValue string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Monitor is a user-defined declaration of a data-collection workload.
// SecretRefs maps logical names (e.g. "api_key") to Secret IDs owned by the
// same user. WorkloadID is non-empty iff Status is deploying, running or
// error.
type Monitor struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	Name         string                 `json:"name"`
	MonitorType  string                 `json:"monitor_type"`
	Config       map[string]interface{} `json:"config"`
	SecretRefs   map[string]string      `json:"secret_refs"`
	Status       string                 `json:"status"`
	WorkloadID   string                 `json:"workload_id,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	LastSampleAt *time.Time             `json:"last_sample_at,omitempty"`
}

// Condition is the declarative predicate of an alert rule. Only the
// "threshold" type exists today; unknown types are rejected at validation
// time, never at evaluation time.
type Condition struct {
	Type        string  `json:"type"`
	Field       string  `json:"field"`
	Operator    string  `json:"operator"`
	Value       float64 `json:"value"`
	Aggregation string  `json:"aggregation,omitempty"`
}

// String renders the condition in the human-readable form used by every
// notification channel: "<aggregation>(<field>) <op> <value>".
func (c Condition) String() string {
	agg := c.Aggregation
	if agg == "" {
		agg = "latest"
	}
	return agg + "(" + c.Field + ") " + c.Operator + " " + strconv.FormatFloat(c.Value, 'f', -1, 64)
}

// AlertRule binds a condition to one monitor. The owning user must equal the
// monitor's owner.
type AlertRule struct {
	ID              string    `json:"id"`
	MonitorID       string    `json:"monitor_id"`
	UserID          string    `json:"user_id"`
	Title           string    `json:"title"`
	Condition       Condition `json:"condition"`
	Severity        string    `json:"severity"`
	CooldownMinutes int       `json:"cooldown_minutes"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
}

// AlertData is the immutable snapshot stored with an alert: the condition
// that fired plus at most the first 3 samples of the triggering window.
type AlertData struct {
	Condition   Condition `json:"condition"`
	TriggerData []Sample  `json:"trigger_data"`
}

// Alert is the durable record of a rule firing. Only the delivery and
// acknowledgement fields mutate after creation.
type Alert struct {
	ID                string     `json:"id"`
	RuleID            string     `json:"rule_id"`
	MonitorID         string     `json:"monitor_id"`
	UserID            string     `json:"user_id"`
	Severity          string     `json:"severity"`
	Title             string     `json:"title"`
	Data              AlertData  `json:"data"`
	Status            string     `json:"status"`
	DeliveredChannels []string   `json:"delivered_channels,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	AcknowledgedAt    *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Sample is one time-series point emitted by a collection agent. Fields are
// treated as floats; the evaluator is field-agnostic.
type Sample struct {
	MonitorID string             `json:"monitor_id"`
	Time      time.Time          `json:"time"`
	Tags      map[string]string  `json:"tags,omitempty"`
	Fields    map[string]float64 `json:"fields"`
}

// NotificationPreferences is the per-user channel map. A missing row means
// process-wide defaults apply (email on, webhooks from configuration).
type NotificationPreferences struct {
	UserID         string `json:"user_id"`
	EmailEnabled   bool   `json:"email_enabled"`
	SlackWebhook   string `json:"slack_webhook,omitempty"`
	DiscordWebhook string `json:"discord_webhook,omitempty"`
	TeamsWebhook   string `json:"teams_webhook,omitempty"`
}
