package enums

import "fmt"

// LinkStatus is the stored lifecycle status of an affiliate link.
type LinkStatus string

const (
	LinkStatusActive   LinkStatus = "active"
	LinkStatusInactive LinkStatus = "inactive"
	LinkStatusExpired  LinkStatus = "expired"
)

var validLinkStatuses = []LinkStatus{
	LinkStatusActive,
	LinkStatusInactive,
	LinkStatusExpired,
}

// IsValid reports whether the value matches a known link status.
func (s LinkStatus) IsValid() bool {
	for _, candidate := range validLinkStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseLinkStatus converts raw input into LinkStatus.
func ParseLinkStatus(value string) (LinkStatus, error) {
	for _, candidate := range validLinkStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid link status %q", value)
}
