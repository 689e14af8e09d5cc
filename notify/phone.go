package notify

import (
	"fmt"
	"strings"

	"github.com/ttacon/libphonenumber"
)

// DefaultRegion is used when numbers are stored in national format.
const DefaultRegion = "KE"

// NormalizePhone parses a tenant phone number and returns it in E.164.
func NormalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty phone number", ErrInvalidRecipient)
	}
	if region == "" {
		region = DefaultRegion
	}

	num, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidRecipient, raw, err)
	}
	if !libphonenumber.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %s is not a valid number", ErrInvalidRecipient, raw)
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}
