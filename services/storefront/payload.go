package storefront

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"referral-ledger/pkg/errutil"
	"referral-ledger/pkg/validation"
	"referral-ledger/services/attribution"

	"github.com/shopspring/decimal"
)

type Topic string

const (
	TopicOrdersCreate Topic = "orders/create"
	TopicOrdersPaid   Topic = "orders/paid"
)

var (
	ErrUnknownTopic   = errutil.BadRequest("unsupported webhook topic", nil)
	ErrInvalidPayload = errutil.BadRequest("invalid order payload", nil)
)

// ParseTopic accepts both "orders/paid" and the path form "orders_paid".
func ParseTopic(s string) (Topic, error) {
	switch Topic(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "/")) {
	case TopicOrdersCreate:
		return TopicOrdersCreate, nil
	case TopicOrdersPaid:
		return TopicOrdersPaid, nil
	default:
		return "", ErrUnknownTopic
	}
}

type Customer struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type Address struct {
	Phone string `json:"phone"`
}

// OrderPayload is the subset of the storefront order webhook the engine reads.
type OrderPayload struct {
	ID              int64      `json:"id" validate:"required"`
	Name            string     `json:"name"`
	Email           string     `json:"email"`
	ContactEmail    string     `json:"contact_email"`
	Phone           string     `json:"phone"`
	Customer        *Customer  `json:"customer"`
	BillingAddress  *Address   `json:"billing_address"`
	TotalPrice      string     `json:"total_price" validate:"required,numeric"`
	Currency        string     `json:"currency" validate:"omitempty,len=3"`
	FinancialStatus string     `json:"financial_status"`
	CreatedAt       time.Time  `json:"created_at"`
	ProcessedAt     *time.Time `json:"processed_at"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// ParseOrder decodes and validates a webhook body and converts it into an
// attribution event. Orders are paid when the topic says so or the payload
// reports a paid financial status.
func ParseOrder(topic Topic, body []byte) (attribution.OrderEvent, error) {
	var ev attribution.OrderEvent

	var p OrderPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return ev, errutil.BadRequest("invalid order payload", err)
	}
	if err := validation.Struct(p); err != nil {
		return ev, err
	}

	total, err := decimal.NewFromString(p.TotalPrice)
	if err != nil || total.IsNegative() {
		return ev, ErrInvalidPayload
	}

	var customer Customer
	if p.Customer != nil {
		customer = *p.Customer
	}
	var billingPhone string
	if p.BillingAddress != nil {
		billingPhone = p.BillingAddress.Phone
	}

	orderedAt := p.CreatedAt
	if orderedAt.IsZero() && p.ProcessedAt != nil {
		orderedAt = *p.ProcessedAt
	}

	ev = attribution.OrderEvent{
		ExternalOrderID: strconv.FormatInt(p.ID, 10),
		Email:           firstNonEmpty(p.Email, p.ContactEmail, customer.Email),
		Phone:           firstNonEmpty(p.Phone, customer.Phone, billingPhone),
		Total:           total,
		Currency:        strings.ToUpper(p.Currency),
		Paid:            topic == TopicOrdersPaid || strings.EqualFold(p.FinancialStatus, "paid"),
		OrderedAt:       orderedAt.UTC(),
	}
	return ev, nil
}
