package model

import "time"

// EventType names a ledger change pushed to subscribers.
type EventType string

const (
	EventAccountOpened      EventType = "account_opened"
	EventDepositCredited    EventType = "deposit_credited"
	EventWithdrawalDebited  EventType = "withdrawal_debited"
	EventWithdrawalReversed EventType = "withdrawal_reversed"
	EventAllocated          EventType = "allocated"
	EventDeallocated        EventType = "deallocated"
	EventPositionClosed     EventType = "position_closed"
)

// Event is a ledger change notification. Amounts are formatted in major
// units of Currency.
type Event struct {
	Type       EventType `json:"type"`
	UserID     string    `json:"user_id,omitempty"`
	Pool       string    `json:"pool,omitempty"`
	PositionID string    `json:"position_id,omitempty"`
	Currency   Currency  `json:"currency,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Ref        string    `json:"ref,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher receives ledger events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
