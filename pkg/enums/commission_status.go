package enums

import "fmt"

// CommissionStatus tracks a commission record through payout.
type CommissionStatus string

const (
	CommissionStatusPending   CommissionStatus = "pending"
	CommissionStatusApproved  CommissionStatus = "approved"
	CommissionStatusPaid      CommissionStatus = "paid"
	CommissionStatusCancelled CommissionStatus = "cancelled"
)

var validCommissionStatuses = []CommissionStatus{
	CommissionStatusPending,
	CommissionStatusApproved,
	CommissionStatusPaid,
	CommissionStatusCancelled,
}

var commissionTransitions = map[CommissionStatus][]CommissionStatus{
	CommissionStatusPending:  {CommissionStatusApproved, CommissionStatusCancelled},
	CommissionStatusApproved: {CommissionStatusPaid, CommissionStatusCancelled},
}

func (s CommissionStatus) IsValid() bool {
	for _, candidate := range validCommissionStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s CommissionStatus) IsTerminal() bool {
	return s == CommissionStatusPaid || s == CommissionStatusCancelled
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s CommissionStatus) CanTransitionTo(next CommissionStatus) bool {
	for _, candidate := range commissionTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ParseCommissionStatus converts raw input into CommissionStatus.
func ParseCommissionStatus(value string) (CommissionStatus, error) {
	for _, candidate := range validCommissionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid commission status %q", value)
}
