package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Tenant represents a frontend customer of the balancer.
//
// Each tenant is selected by the realm carried in a routing header, shares a
// secret with its frontend for BBB checksum verification, and namespaces its
// meetings so that distinct tenants can reuse the same external meeting IDs.
// Overrides holds the serialized create-parameter rewrite rules as a JSON
// mapping of parameter name to [operator, operand].
type Tenant struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null;size:255" json:"name"`
	Realm     string    `gorm:"uniqueIndex;not null;size:255" json:"realm"`
	Secret    string    `gorm:"uniqueIndex;not null" json:"secret"`
	Enabled   bool      `gorm:"default:true" json:"enabled"`
	Overrides string    `gorm:"type:text" json:"overrides,omitempty"`
	Created   time.Time `gorm:"autoCreateTime" json:"created"`
	Modified  time.Time `gorm:"autoUpdateTime" json:"modified"`

	Meetings []Meeting `gorm:"foreignKey:TenantID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for Tenant.
func (Tenant) TableName() string {
	return "tenants"
}

// Secrets returns all accepted checksum secrets for this tenant. The secret
// column may carry a newline-separated list during rotation; the first entry
// signs outbound traffic, every entry verifies inbound traffic.
func (t *Tenant) Secrets() []string {
	var out []string
	for _, s := range strings.Split(t.Secret, "\n") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SigningSecret returns the secret used to sign payloads forwarded to this
// tenant's frontend.
func (t *Tenant) SigningSecret() string {
	if secrets := t.Secrets(); len(secrets) > 0 {
		return secrets[0]
	}
	return ""
}

// OverrideMap deserializes the stored override rules.
func (t *Tenant) OverrideMap() (map[string][2]string, error) {
	rules := map[string][2]string{}
	if t.Overrides == "" {
		return rules, nil
	}
	if err := json.Unmarshal([]byte(t.Overrides), &rules); err != nil {
		return nil, fmt.Errorf("tenant %s has malformed overrides: %w", t.Name, err)
	}
	return rules, nil
}

// SetOverrideMap serializes override rules into the tenant row.
func (t *Tenant) SetOverrideMap(rules map[string][2]string) error {
	if len(rules) == 0 {
		t.Overrides = ""
		return nil
	}
	raw, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	t.Overrides = string(raw)
	return nil
}

// Validate checks tenant fields before persisting. Tenant names must not
// contain the scope separator because scoped meeting IDs are split on the
// first ':'.
func (t *Tenant) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tenant name is required")
	}
	if strings.Contains(t.Name, ":") {
		return fmt.Errorf("tenant name must not contain ':'")
	}
	if t.Realm == "" {
		return fmt.Errorf("tenant realm is required")
	}
	if len(t.SigningSecret()) < 32 {
		return fmt.Errorf("tenant secret must be at least 32 characters")
	}
	return nil
}
