package arbitration

import (
	"strconv"

	"arcesc/core/types"
	"arcesc/crypto"
)

const (
	EventTypeOpened            = "arbitration.opened"
	EventTypeSettled           = "arbitration.settled"
	EventTypeDisputed          = "arbitration.disputed"
	EventTypeCancelled         = "arbitration.cancelled"
	EventTypeTriggered         = "arbitration.triggered"
	EventTypeCacheUpdated      = "arbitration.cache_updated"
	EventTypeArbitratorAdded   = "arbitration.arbitrator_added"
	EventTypeArbitratorRemoved = "arbitration.arbitrator_removed"
)

func newSettlementEvent(eventType string, s *Settlement) *types.Event {
	attrs := make(map[string]string)
	if s == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["escrowId"] = strconv.FormatUint(s.EscrowID, 10)
	attrs["arbitrator"] = crypto.FormatAddress(s.Arbitrator)
	attrs["status"] = s.Status.String()
	attrs["timestamp"] = strconv.FormatInt(s.Timestamp, 10)
	if s.Reason != "" {
		attrs["reason"] = s.Reason
	}
	attrs["meeTriggered"] = strconv.FormatBool(s.MEETriggered)
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newCacheEvent(entry CacheEntry) *types.Event {
	return &types.Event{Type: EventTypeCacheUpdated, Attributes: map[string]string{
		"escrowId":   strconv.FormatUint(entry.EscrowID, 10),
		"settled":    strconv.FormatBool(entry.Settled),
		"status":     entry.Status.String(),
		"computedAt": strconv.FormatInt(entry.ComputedAt, 10),
	}}
}

func newArbitratorEvent(eventType string, addr [20]byte, timestamp int64) *types.Event {
	return &types.Event{Type: eventType, Attributes: map[string]string{
		"address":   crypto.FormatAddress(addr),
		"timestamp": strconv.FormatInt(timestamp, 10),
	}}
}
