package escrow

import (
	"strconv"

	"arcesc/core/amount"
	"arcesc/core/types"
	"arcesc/crypto"
)

const (
	EventTypeEscrowCreated      = "escrow.created"
	EventTypeEscrowReleased     = "escrow.released"
	EventTypeEscrowRefunded     = "escrow.refunded"
	EventTypeCoordinatorAdded   = "escrow.coordinator_added"
	EventTypeCoordinatorRemoved = "escrow.coordinator_removed"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowCreated, e)
	if e != nil {
		evt.Attributes["description"] = e.Description
		evt.Attributes["lockDuration"] = strconv.FormatInt(e.LockDuration, 10)
	}
	return evt
}

// NewReleasedEvent returns the canonical event payload for a release of escrow
// funds to the payee. The releasedBy attribute carries the caller role.
func NewReleasedEvent(e *Escrow, releasedBy string) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowReleased, e)
	evt.Attributes["releasedBy"] = releasedBy
	return evt
}

// NewRefundedEvent returns the canonical event payload for an escrow refund to
// the payer.
func NewRefundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowRefunded, e) }

// NewCoordinatorEvent reports a change to the coordinator allow-list.
func NewCoordinatorEvent(eventType string, addr [20]byte, timestamp int64) *types.Event {
	return &types.Event{Type: eventType, Attributes: map[string]string{
		"address":   crypto.FormatAddress(addr),
		"timestamp": strconv.FormatInt(timestamp, 10),
	}}
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(e.ID, 10)
	attrs["payer"] = crypto.FormatAddress(e.Payer)
	attrs["payee"] = crypto.FormatAddress(e.Payee)
	attrs["amount"] = amount.Format(e.Amount)
	attrs["deadline"] = strconv.FormatInt(e.Deadline, 10)
	attrs["status"] = e.Status.String()
	timestamp := e.CreatedAt
	if e.ResolvedAt != 0 {
		timestamp = e.ResolvedAt
	}
	attrs["timestamp"] = strconv.FormatInt(timestamp, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
