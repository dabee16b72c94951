package enums

import "fmt"

// PromotionType controls which order lines are eligible for commission.
type PromotionType string

const (
	PromotionTypeGeneral  PromotionType = "general"
	PromotionTypeSpecific PromotionType = "specific"
)

var validPromotionTypes = []PromotionType{
	PromotionTypeGeneral,
	PromotionTypeSpecific,
}

func (t PromotionType) IsValid() bool {
	for _, candidate := range validPromotionTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParsePromotionType converts raw input into PromotionType.
func ParsePromotionType(value string) (PromotionType, error) {
	for _, candidate := range validPromotionTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid promotion type %q", value)
}
