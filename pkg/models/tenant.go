// Package models defines the wire-level records persisted through the
// Store and exchanged between core components.
package models

import "time"

// Role is the tenant's own privilege level.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleStreamer Role = "streamer"
	RoleMod      Role = "mod"
)

// StreamStatus is the lifecycle state gating upstream/chat sessions.
type StreamStatus string

const (
	StatusOffline  StreamStatus = "offline"
	StatusPrepping StreamStatus = "prepping"
	StatusLive     StreamStatus = "live"
	StatusEnding   StreamStatus = "ending"
)

// FeatureSet is the typed view over a tenant's enabled capabilities.
// The Store adapter is the only place that knows this travels as a
// map[string]bool on the wire; everything else uses the accessors.
type FeatureSet map[string]bool

const (
	FeatureChatCommands          = "chatCommands"
	FeatureChannelPoints          = "channelPoints"
	FeatureDiscordNotifications   = "discordNotifications"
	FeatureStreamOverlay          = "streamOverlay"
	FeatureAlertAnimations        = "alertAnimations"
	FeatureAnalytics              = "analytics"
)

func (f FeatureSet) has(name string) bool {
	if f == nil {
		return false
	}
	return f[name]
}

func (f FeatureSet) ChatCommands() bool          { return f.has(FeatureChatCommands) }
func (f FeatureSet) ChannelPoints() bool         { return f.has(FeatureChannelPoints) }
func (f FeatureSet) DiscordNotifications() bool  { return f.has(FeatureDiscordNotifications) }
func (f FeatureSet) StreamOverlay() bool         { return f.has(FeatureStreamOverlay) }
func (f FeatureSet) AlertAnimations() bool       { return f.has(FeatureAlertAnimations) }
func (f FeatureSet) Analytics() bool             { return f.has(FeatureAnalytics) }

// DefaultFeatureSet is assigned to a tenant on first upstream-OAuth bind.
func DefaultFeatureSet() FeatureSet {
	return FeatureSet{
		FeatureChatCommands:   true,
		FeatureStreamOverlay:  true,
		FeatureAlertAnimations: true,
	}
}

// CredentialTuple is the OAuth access/refresh pair owned exclusively by
// the Token Broker. It is encrypted at rest by internal/tenant.Service
// before the Tenant row is handed to the Store.
type CredentialTuple struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Revoked      bool      `json:"revoked"`
}

// Tenant is the per-streamer identity and configuration record.
type Tenant struct {
	TenantID           string          `json:"tenantId"`
	Username           string          `json:"username"`
	DisplayName        string          `json:"displayName"`
	Role               Role            `json:"role"`
	Features           FeatureSet      `json:"features"`
	StreamStatus       StreamStatus    `json:"streamStatus"`
	ManagedTenants     []string        `json:"managedTenants,omitempty"`
	ExternalWebhookURL string          `json:"externalWebhookUrl,omitempty"`
	Credentials        CredentialTuple `json:"credentials"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// ManagesTenant reports whether this tenant may act as a mod for target.
func (t Tenant) ManagesTenant(target string) bool {
	if t.TenantID == target {
		return true
	}
	for _, m := range t.ManagedTenants {
		if m == target {
			return true
		}
	}
	return false
}
