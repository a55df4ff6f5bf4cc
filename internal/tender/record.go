// Package tender defines the normalized procurement-notice record shared by
// the collector and the store.
package tender

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
)

// Record is one normalized procurement notice.
//
// (Source, ExternalID) is the natural key used for idempotent persistence.
// When a portal exposes no stable id, ExternalID falls back to a hash of the
// notice URL.
type Record struct {
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`
	Title      string `json:"title"`

	Organization string     `json:"organization,omitempty"`
	Category     string     `json:"category,omitempty"`
	Location     string     `json:"location,omitempty"`
	Description  string     `json:"description,omitempty"`
	URL          string     `json:"url,omitempty"`
	ContactEmail string     `json:"contact_email,omitempty"`
	ClosingDate  *time.Time `json:"closing_date,omitempty"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Normalize trims whitespace, fills the id fallback, and stamps seen times.
// It returns false when the record has no usable identity at all.
func (r *Record) Normalize(now time.Time) bool {
	r.Source = strings.TrimSpace(r.Source)
	r.ExternalID = strings.TrimSpace(r.ExternalID)
	r.Title = collapseSpace(r.Title)
	r.Organization = collapseSpace(r.Organization)
	r.Category = collapseSpace(r.Category)
	r.Location = collapseSpace(r.Location)
	r.Description = strings.TrimSpace(r.Description)
	r.URL = strings.TrimSpace(r.URL)
	r.ContactEmail = strings.TrimSpace(r.ContactEmail)

	if r.ExternalID == "" && r.URL != "" {
		r.ExternalID = HashID(r.URL)
	}
	if r.Source == "" || r.ExternalID == "" {
		return false
	}
	if r.Title == "" {
		r.Title = "Untitled Tender"
	}
	if r.FirstSeen.IsZero() {
		r.FirstSeen = now
	}
	r.LastSeen = now
	return true
}

// HashID derives a short stable id from free-form input (typically the
// notice URL). 12 hex chars is enough to avoid collisions within one portal.
func HashID(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
