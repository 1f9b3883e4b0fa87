package messaging

import (
	"strings"
	"time"
)

// EventType names a settlement state transition.
type EventType string

// Event types
const (
	EventDatumSubmitted EventType = "datum.submitted"
	EventDatumConfirmed EventType = "datum.confirmed"
	EventDatumRejected  EventType = "datum.rejected"
	EventPaymentSent    EventType = "payment.sent"
	EventPaymentPaid    EventType = "payment.paid"
	EventPaymentReset   EventType = "payment.reset"
)

// Topic returns the topic events of this type are published on.
func (t EventType) Topic() string {
	if strings.HasPrefix(string(t), "payment.") {
		return TopicPayments
	}
	return TopicDatums
}

// Event is a datum or payment lifecycle change. TransactionHash keys the message so every
// event for one transaction lands on the same partition.
type Event struct {
	Type            EventType        `json:"type"`
	TransactionHash string           `json:"transaction_hash"`
	BlockNumber     int64            `json:"block_number,omitempty"`
	MinerID         int64            `json:"miner_id,omitempty"`
	Slot            int64            `json:"slot,omitempty"`
	Rows            int              `json:"rows,omitempty"`
	Payments        map[string]int64 `json:"payments,omitempty"`
	PoolHashrate    float64          `json:"pool_hashrate,omitempty"`
	OccurredAt      time.Time        `json:"occurred_at"`
}
