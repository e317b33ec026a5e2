// Package credential implements the credential pool manager: the mutable
// ordered collection of OAuth identities the retry engine draws on, their
// refresh lifecycle, and durable persistence.
package credential

import (
	"encoding/json"
	"time"
)

// AuthMethod is the OAuth credential's refresh dialect.
type AuthMethod string

const (
	AuthSocial     AuthMethod = "social"
	AuthIDC        AuthMethod = "idc"
	AuthBuilderID  AuthMethod = "builder-id"
)

// Status is the credential's health as observed across restarts.
type Status string

const (
	StatusNormal  Status = "normal"
	StatusInvalid Status = "invalid"
	StatusExpired Status = "expired"
)

// DisabledReason explains why a pool entry is currently unselectable.
type DisabledReason string

const (
	DisabledNone            DisabledReason = ""
	DisabledManual          DisabledReason = "Manual"
	DisabledTooManyFailures DisabledReason = "TooManyFailures"
	DisabledSuspended       DisabledReason = "Suspended"
)

const defaultGroupID = "default"

// Metadata is best-effort usage information fetched from the upstream's
// usage-limits endpoint. Every field is optional.
type Metadata struct {
	Email             string `json:"email,omitempty"`
	SubscriptionTitle string `json:"subscriptionTitle,omitempty"`
	CurrentUsage      *int64 `json:"currentUsage,omitempty"`
	UsageLimit        *int64 `json:"usageLimit,omitempty"`
	Remaining         *int64 `json:"remaining,omitempty"`
	NextResetAt       string `json:"nextResetAt,omitempty"`
}

// Credential is one OAuth identity plus the volatile state refresh mutates.
type Credential struct {
	ID           uint64     `json:"id"`
	RefreshToken string     `json:"refreshToken"`
	AuthMethod   AuthMethod `json:"authMethod"`
	ClientID     string     `json:"clientId,omitempty"`
	ClientSecret string     `json:"clientSecret,omitempty"`
	GroupID      string     `json:"-"`

	AccessToken string `json:"accessToken,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"` // RFC3339
	ProfileARN  string `json:"profileArn,omitempty"`

	Metadata Metadata `json:"metadata,omitempty"`

	Status Status `json:"-"`
}

// credentialWire is the on-disk JSON shape: status and groupId are present
// only when they differ from their defaults, per spec's persistence rule.
type credentialWire struct {
	ID           uint64     `json:"id"`
	RefreshToken string     `json:"refreshToken"`
	AuthMethod   AuthMethod `json:"authMethod"`
	ClientID     string     `json:"clientId,omitempty"`
	ClientSecret string     `json:"clientSecret,omitempty"`
	GroupID      string     `json:"groupId,omitempty"`
	AccessToken  string     `json:"accessToken,omitempty"`
	ExpiresAt    string     `json:"expiresAt,omitempty"`
	ProfileARN   string     `json:"profileArn,omitempty"`
	Metadata     Metadata   `json:"metadata,omitempty"`
	Status       Status     `json:"status,omitempty"`
}

// MarshalJSON omits status=="normal" and groupId=="default", mirroring the
// original's default_status/default_group_id skip-serialize predicates.
func (c Credential) MarshalJSON() ([]byte, error) {
	w := credentialWire{
		ID:           c.ID,
		RefreshToken: c.RefreshToken,
		AuthMethod:   c.AuthMethod,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		AccessToken:  c.AccessToken,
		ExpiresAt:    c.ExpiresAt,
		ProfileARN:   c.ProfileARN,
		Metadata:     c.Metadata,
	}
	if c.GroupID != "" && c.GroupID != defaultGroupID {
		w.GroupID = c.GroupID
	}
	if c.Status != "" && c.Status != StatusNormal {
		w.Status = c.Status
	}
	return json.Marshal(w)
}

// UnmarshalJSON restores defaults for omitted status/groupId fields.
func (c *Credential) UnmarshalJSON(data []byte) error {
	var w credentialWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.ID = w.ID
	c.RefreshToken = w.RefreshToken
	c.AuthMethod = w.AuthMethod
	c.ClientID = w.ClientID
	c.ClientSecret = w.ClientSecret
	c.AccessToken = w.AccessToken
	c.ExpiresAt = w.ExpiresAt
	c.ProfileARN = w.ProfileARN
	c.Metadata = w.Metadata

	c.GroupID = w.GroupID
	if c.GroupID == "" {
		c.GroupID = defaultGroupID
	}
	c.Status = w.Status
	if c.Status == "" {
		c.Status = StatusNormal
	}
	return nil
}

// Entry is the in-memory wrapper around a Credential carrying pool-local
// health bookkeeping not part of the persisted shape.
type Entry struct {
	Credential     Credential
	FailureCount   uint32
	Disabled       bool
	DisabledReason DisabledReason
}

// Available reports whether e may currently be selected.
func (e *Entry) Available() bool {
	return !e.Disabled && e.Credential.Status != StatusInvalid
}

// expiresAtTime parses ExpiresAt, returning the zero time if absent or
// unparseable (callers treat the zero time as "expired").
func (c *Credential) expiresAtTime() (time.Time, bool) {
	if c.ExpiresAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, c.ExpiresAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
