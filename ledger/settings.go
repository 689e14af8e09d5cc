package ledger

import (
	"strconv"
	"strings"
)

// Documented defaults for unset settings. Billing is never blocked by a
// missing setting.
const (
	DefaultBillingDay  = 1
	DefaultCompanyName = "Rental Management"

	// MaxBillingDay keeps the trigger inside every month, February included.
	MaxBillingDay = 28
)

// Settings are operator-editable billing options.
type Settings struct {
	BillingDay  int
	Paybill     string
	CompanyName string
}

// Resolve fills defaults for missing values and reports each one as a
// *MissingSettingError. The returned settings are always usable.
func (s Settings) Resolve() (Settings, []error) {
	var missing []error

	if s.BillingDay <= 0 {
		missing = append(missing, &MissingSettingError{Key: "billing_day", Default: strconv.Itoa(DefaultBillingDay)})
		s.BillingDay = DefaultBillingDay
	}
	if s.BillingDay > MaxBillingDay {
		s.BillingDay = MaxBillingDay
	}

	s.CompanyName = strings.TrimSpace(s.CompanyName)
	if s.CompanyName == "" {
		missing = append(missing, &MissingSettingError{Key: "company_name", Default: DefaultCompanyName})
		s.CompanyName = DefaultCompanyName
	}

	s.Paybill = strings.TrimSpace(s.Paybill)
	if s.Paybill == "" {
		missing = append(missing, &MissingSettingError{Key: "paybill", Default: ""})
	}

	return s, missing
}
