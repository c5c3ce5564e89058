package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"referral-ledger/pkg/db/pagination"

	"gorm.io/datatypes"
)

// GenesisHash is the previous hash of a member's first transaction.
const GenesisHash = "GENESIS"

type Reason string

const (
	ReasonOrderPurchase             Reason = "order_purchase"
	ReasonOrderRedeem               Reason = "order_redeem"
	ReasonReferralLevel1            Reason = "referral_level_1"
	ReasonReferralLevel2            Reason = "referral_level_2"
	ReasonReferralLevel3            Reason = "referral_level_3"
	ReasonReferralCustomerMilestone Reason = "referral_customer_milestone"
	ReasonReferralDoctorBonus       Reason = "referral_doctor_bonus"
	ReasonSubscriptionRenewal       Reason = "subscription_renewal"
	ReasonOnboardingBonus           Reason = "onboarding_bonus"
	ReasonAdminAdjustment           Reason = "admin_adjustment"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonOrderPurchase,
		ReasonOrderRedeem,
		ReasonReferralLevel1,
		ReasonReferralLevel2,
		ReasonReferralLevel3,
		ReasonReferralCustomerMilestone,
		ReasonReferralDoctorBonus,
		ReasonSubscriptionRenewal,
		ReasonOnboardingBonus,
		ReasonAdminAdjustment:
		return true
	default:
		return false
	}
}

// LevelReason maps a chain level (1..3) to its commission reason.
func LevelReason(level int) (Reason, error) {
	switch level {
	case 1:
		return ReasonReferralLevel1, nil
	case 2:
		return ReasonReferralLevel2, nil
	case 3:
		return ReasonReferralLevel3, nil
	default:
		return "", fmt.Errorf("no commission reason for level %d", level)
	}
}

type PointsTransaction struct {
	ID           string         `gorm:"column:id;primaryKey" json:"id"`
	UserID       string         `gorm:"column:user_id;index:idx_points_user_created,priority:1;uniqueIndex:idx_points_user_seq,priority:1;not null" json:"user_id"`
	Seq          int64          `gorm:"column:seq;uniqueIndex:idx_points_user_seq,priority:2;not null" json:"seq"`
	Delta        int64          `gorm:"column:delta;not null" json:"delta"`
	Reason       Reason         `gorm:"column:reason;type:varchar(40);not null;index" json:"reason"`
	OrderID      *string        `gorm:"column:order_id;index" json:"order_id,omitempty"`
	ReferenceID  *string        `gorm:"column:reference_id;uniqueIndex" json:"reference_id,omitempty"`
	BalanceAfter int64          `gorm:"column:balance_after;not null" json:"balance_after"`
	Locked       bool           `gorm:"column:locked;not null;default:false" json:"locked"`
	UnlockedAt   *time.Time     `gorm:"column:unlocked_at" json:"unlocked_at,omitempty"`
	Metadata     datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	PreviousHash string         `gorm:"column:previous_hash" json:"-"`
	Hash         string         `gorm:"column:hash" json:"-"`
	CreatedAt    time.Time      `gorm:"column:created_at;index:idx_points_user_created,priority:2" json:"created_at"`
}

func (PointsTransaction) TableName() string {
	return "points_transactions"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// HashFields are the immutable columns covered by the chain hash. unlocked_at is
// excluded because it is stamped after the row is written.
func (m *PointsTransaction) HashFields() map[string]string {
	return map[string]string{
		"id":            m.ID,
		"user_id":       m.UserID,
		"seq":           strconv.FormatInt(m.Seq, 10),
		"delta":         strconv.FormatInt(m.Delta, 10),
		"reason":        string(m.Reason),
		"order_id":      deref(m.OrderID),
		"reference_id":  deref(m.ReferenceID),
		"balance_after": strconv.FormatInt(m.BalanceAfter, 10),
		"locked":        strconv.FormatBool(m.Locked),
		"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": m.PreviousHash,
	}
}

func (m *PointsTransaction) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// Entry is a request to append one transaction.
type Entry struct {
	UserID      string
	Delta       int64
	Reason      Reason
	OrderID     string
	ReferenceID string
	Metadata    map[string]any
	// LockIfProvisional records the entry as locked when the member is an
	// unverified provisional doctor.
	LockIfProvisional bool
}

// Wallet is the read model behind the wallet view.
type Wallet struct {
	UserID  string               `json:"user_id"`
	Balance int64                `json:"balance"`
	Locked  int64                `json:"locked"`
	History []*PointsTransaction `json:"history"`
	Page    *pagination.PageInfo `json:"page"`
}
