package enums

import "fmt"

// OutboxAggregateType names the entity an outbox event is about.
type OutboxAggregateType string

const (
	AggregateAffiliateLink    OutboxAggregateType = "affiliate_link"
	AggregateCommissionRecord OutboxAggregateType = "commission_record"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateAffiliateLink,
	AggregateCommissionRecord,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType names the domain events published by the ledger.
type OutboxEventType string

const (
	EventCommissionCreated   OutboxEventType = "commission.created"
	EventCommissionApproved  OutboxEventType = "commission.approved"
	EventCommissionPaid      OutboxEventType = "commission.paid"
	EventCommissionCancelled OutboxEventType = "commission.cancelled"
	EventLinkExpired         OutboxEventType = "link.expired"
)

var validOutboxEventTypes = []OutboxEventType{
	EventCommissionCreated,
	EventCommissionApproved,
	EventCommissionPaid,
	EventCommissionCancelled,
	EventLinkExpired,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

// CommissionEventFor maps a commission status to the event announcing it.
func CommissionEventFor(status CommissionStatus) (OutboxEventType, bool) {
	switch status {
	case CommissionStatusPending:
		return EventCommissionCreated, true
	case CommissionStatusApproved:
		return EventCommissionApproved, true
	case CommissionStatusPaid:
		return EventCommissionPaid, true
	case CommissionStatusCancelled:
		return EventCommissionCancelled, true
	}
	return "", false
}

// OutboxDLQErrorReason explains why an event was parked in the dead letter table.
type OutboxDLQErrorReason string

const (
	OutboxDLQReasonMaxAttempts  OutboxDLQErrorReason = "max_attempts"
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
)

func (r OutboxDLQErrorReason) IsValid() bool {
	return r == OutboxDLQReasonMaxAttempts || r == OutboxDLQReasonNonRetryable
}
