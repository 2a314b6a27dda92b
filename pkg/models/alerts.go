package models

// AlertType names the event category an Alert Definition can bind to.
type AlertType string

const (
	AlertFollow       AlertType = "follow"
	AlertSubscription AlertType = "subscription"
	AlertResub        AlertType = "resub"
	AlertGiftSub      AlertType = "giftsub"
	AlertBits         AlertType = "bits"
	AlertRaid         AlertType = "raid"
	AlertHypetrain    AlertType = "hypetrain"
	AlertCustom       AlertType = "custom"
)

// AlertEffects lists opaque client-side visual-effect identifiers; the
// core never interprets them.
type AlertEffects []string

// AlertDefinition is a reusable overlay template bound to an event kind.
type AlertDefinition struct {
	AlertID         string       `json:"alertId"`
	TenantID        string       `json:"tenantId"`
	Type            AlertType    `json:"type"`
	Name            string       `json:"name"`
	Enabled         bool         `json:"enabled"`
	TextTemplate    string       `json:"textTemplate"`
	DurationMs      int          `json:"durationMs"`
	BackgroundColor string       `json:"backgroundColor"`
	TextColor       string       `json:"textColor"`
	BorderColor     string       `json:"borderColor"`
	Effects         AlertEffects `json:"effects,omitempty"`
	IsDefault       bool         `json:"isDefault"`
}

const (
	MinAlertDurationMs = 1000
	MaxAlertDurationMs = 30000
)

// EventMapping maps an upstream event name to an alert id, or "none" to
// disable alerting for that event.
type EventMapping map[string]string

const EventMappingNone = "none"

// DefaultEventMapping returns the mapping applied to a freshly bound tenant.
func DefaultEventMapping() EventMapping {
	return EventMapping{
		"follow":                   "default-follow",
		"subscribe":                "default-subscription",
		"subscribe-message":        "default-resub",
		"subscribe-gift":           "default-giftsub",
		"cheer":                    "default-bits",
		"raid":                     "default-raid",
		"stream-online":            EventMappingNone,
		"stream-offline":           EventMappingNone,
		"reward-redeemed":          EventMappingNone,
		"channel-point-redemption": EventMappingNone,
	}
}

// DefaultAlertDefinitions seeds the read-only templates referenced by
// DefaultEventMapping. Defaults cannot be edited or deleted (Conflict).
func DefaultAlertDefinitions(tenantID string) []AlertDefinition {
	mk := func(id string, t AlertType, name, tmpl string) AlertDefinition {
		return AlertDefinition{
			AlertID:         id,
			TenantID:        tenantID,
			Type:            t,
			Name:            name,
			Enabled:         true,
			TextTemplate:    tmpl,
			DurationMs:      5000,
			BackgroundColor: "#1e1e2e",
			TextColor:       "#ffffff",
			BorderColor:     "#89b4fa",
			IsDefault:       true,
		}
	}
	return []AlertDefinition{
		mk("default-follow", AlertFollow, "Default Follow", "{username} just followed!"),
		mk("default-subscription", AlertSubscription, "Default Subscription", "{username} just subscribed!"),
		mk("default-resub", AlertResub, "Default Resub", "{username} resubscribed for {months} months!"),
		mk("default-giftsub", AlertGiftSub, "Default Gift Sub", "{username} gifted a {tier} sub!"),
		mk("default-bits", AlertBits, "Default Bits", "{username} cheered {amount} bits!"),
		mk("default-raid", AlertRaid, "Default Raid", "{username} raided with {amount} viewers!"),
	}
}
