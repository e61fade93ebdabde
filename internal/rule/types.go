// Package rule defines the automation rule model and its persistence.
package rule

import (
	"time"
)

// Descriptor names one capability binding: a provider slug, the
// condition or action name within that provider, and a flat parameter
// bag of strings and numbers.
type Descriptor struct {
	Provider string         `json:"provider"`
	Name     string         `json:"name"`
	Params   map[string]any `json:"params,omitempty"`
}

// Rule binds one trigger condition to one reaction for one user.
//
// Watermark is the last successful processing time. It is nil until
// the rule's first evaluation completes, and only ever moves forward.
// The provider/name pair of each descriptor is fixed at creation;
// parameter bags and the active flag are mutable.
type Rule struct {
	ID        string     `json:"id"`      // UUIDv7
	UserID    string     `json:"user_id"` // Owner
	Name      string     `json:"name"`    // Human-readable label
	Active    bool       `json:"active"`
	Trigger   Descriptor `json:"trigger"`
	Reaction  Descriptor `json:"reaction"`
	Watermark *time.Time `json:"watermark,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
