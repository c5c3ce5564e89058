package milestone

import "referral-ledger/services/ledger"

type Kind string

const (
	KindDoctor   Kind = "doctor"
	KindCustomer Kind = "customer"
)

// Skip reasons reported on an Award that credited nothing.
const (
	SkipNoReferral     = "no_referral"
	SkipWrongType      = "wrong_type"
	SkipAlreadyAwarded = "already_awarded"
	SkipNotVerified    = "not_verified"
	SkipBelowThreshold = "below_threshold"
	SkipDisabled       = "disabled"
)

type Award struct {
	Kind       Kind          `json:"kind"`
	ReferredID string        `json:"referred_id"`
	ReferrerID string        `json:"referrer_id,omitempty"`
	Points     int64         `json:"points"`
	Locked     bool          `json:"locked"`
	Reason     ledger.Reason `json:"reason,omitempty"`
	Awarded    bool          `json:"awarded"`
	Skipped    string        `json:"skipped,omitempty"`
}

func referenceID(kind Kind, referredID string) string {
	return "milestone:" + string(kind) + ":" + referredID
}
