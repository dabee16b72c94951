package enums

import "fmt"

// CommissionType selects how a commission amount is derived.
type CommissionType string

const (
	CommissionTypePercentage CommissionType = "percentage"
	CommissionTypeFixed      CommissionType = "fixed"
)

var validCommissionTypes = []CommissionType{
	CommissionTypePercentage,
	CommissionTypeFixed,
}

func (t CommissionType) IsValid() bool {
	for _, candidate := range validCommissionTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseCommissionType converts raw input into CommissionType.
func ParseCommissionType(value string) (CommissionType, error) {
	for _, candidate := range validCommissionTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid commission type %q", value)
}
