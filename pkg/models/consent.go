package models

import "time"

type ConsentStatus string

const (
	PendingConsentStatus  ConsentStatus = "PENDING"
	ApprovedConsentStatus ConsentStatus = "APPROVED"
	RevokedConsentStatus  ConsentStatus = "REVOKED"
)

type FetchType string

const (
	OnetimeFetch  FetchType = "ONETIME"
	PeriodicFetch FetchType = "PERIODIC"
)

// ConsentToken is the single live authorization grant for a customer.
// Issuing a new token overwrites the previous one; tokens are never deleted,
// only superseded or expired.
type ConsentToken struct {
	CustomerID string        `json:"customer_id" db:"customer_id"`
	Token      string        `json:"token" db:"token"`           // Opaque, unique per issuance
	Status     ConsentStatus `json:"status" db:"status"`         // "PENDING", "APPROVED", "REVOKED"
	FetchType  FetchType     `json:"fetch_type" db:"fetch_type"` // "ONETIME" or "PERIODIC"
	IssuedAt   time.Time     `json:"issued_at" db:"issued_at"`
	Expiry     time.Time     `json:"expiry" db:"expiry"`
	Used       bool          `json:"used" db:"used"` // Meaningful only for ONETIME grants
}

// Live reports whether the token still authorizes work at the given instant.
func (c ConsentToken) Live(now time.Time) bool {
	if c.Status != ApprovedConsentStatus {
		return false
	}
	if now.After(c.Expiry) {
		return false
	}
	if c.FetchType == OnetimeFetch && c.Used {
		return false
	}
	return true
}
