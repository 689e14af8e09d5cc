package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/rent-billing/ledger"
)

// Currency prefixes every amount in tenant messages.
const Currency = "KES"

// BillText renders the monthly bill notice.
func BillText(b *Breakdown, s ledger.Settings) string {
	var sb strings.Builder

	name := b.TenantName
	if name == "" {
		name = "Tenant"
	}
	fmt.Fprintf(&sb, "Dear %s, your %s bill", name, monthLabel(b.Month))
	if b.UnitName != "" {
		fmt.Fprintf(&sb, " for %s", b.UnitName)
	}
	sb.WriteString(":\n")

	fmt.Fprintf(&sb, "Rent: %s\n", formatMoney(b.RentDue))
	if b.WaterDue.IsPositive() {
		fmt.Fprintf(&sb, "Water: %s\n", formatMoney(b.WaterDue))
	}
	if b.ArrearsDue.IsPositive() {
		fmt.Fprintf(&sb, "Arrears: %s\n", formatMoney(b.ArrearsDue))
	}
	fmt.Fprintf(&sb, "Total due: %s\n", formatMoney(b.TotalDue))

	if b.AdvanceCredit.IsPositive() {
		payable := b.TotalDue.Sub(b.AdvanceCredit)
		fmt.Fprintf(&sb, "Advance credit: %s\nAmount payable: %s\n", formatMoney(b.AdvanceCredit), formatMoney(payable))
	}

	sb.WriteString(paymentInstructions(b, s))
	fmt.Fprintf(&sb, "\n%s", s.CompanyName)
	return sb.String()
}

// ConfirmationText renders the receipt sent after a payment is recorded.
func ConfirmationText(r *PaymentResult, s ledger.Settings) string {
	var sb strings.Builder

	name := r.Breakdown.TenantName
	if name == "" {
		name = "Tenant"
	}
	fmt.Fprintf(&sb, "Dear %s, we received %s", name, formatMoney(r.Payment.Amount))
	if r.Payment.ReceiptRef != "" {
		fmt.Fprintf(&sb, " (ref %s)", r.Payment.ReceiptRef)
	}
	fmt.Fprintf(&sb, " for %s.\n", monthLabel(r.Payment.Month))

	a := r.Allocation
	if a.ToArrears.IsPositive() {
		fmt.Fprintf(&sb, "Arrears: %s\n", formatMoney(a.ToArrears))
	}
	if a.ToWater.IsPositive() {
		fmt.Fprintf(&sb, "Water: %s\n", formatMoney(a.ToWater))
	}
	if a.ToRent.IsPositive() {
		fmt.Fprintf(&sb, "Rent: %s\n", formatMoney(a.ToRent))
	}
	if a.ToAdvance.IsPositive() {
		fmt.Fprintf(&sb, "Advance: %s\n", formatMoney(a.ToAdvance))
	}

	balance := a.RemainingArrears.Add(a.RemainingWater).Add(a.RemainingRent)
	fmt.Fprintf(&sb, "Balance: %s\n", formatMoney(balance))
	sb.WriteString("Thank you.\n")
	sb.WriteString(s.CompanyName)
	return sb.String()
}

func paymentInstructions(b *Breakdown, s ledger.Settings) string {
	if s.Paybill == "" {
		return "Please pay at the management office."
	}
	account := b.UnitName
	if account == "" {
		account = b.UnitID
	}
	return fmt.Sprintf("Pay via Paybill %s, account %s.", s.Paybill, account)
}

func monthLabel(m ledger.Month) string {
	return m.Start().Format("January 2006")
}

// formatMoney renders "KES 12,345.00".
func formatMoney(d decimal.Decimal) string {
	s := d.Abs().StringFixed(2)
	intPart, frac, _ := strings.Cut(s, ".")

	var grouped strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			grouped.WriteByte(',')
		}
		grouped.WriteRune(r)
	}

	sign := ""
	if d.IsNegative() {
		sign = "-"
	}
	return fmt.Sprintf("%s %s%s.%s", Currency, sign, grouped.String(), frac)
}

// loadSettings resolves settings, falling back to defaults on any error.
func loadSettings(ctx context.Context, store ledger.SettingsStore, logger *logrus.Logger) ledger.Settings {
	var raw ledger.Settings
	if store != nil {
		s, err := store.Settings(ctx)
		if err != nil {
			logger.WithFields(logrus.Fields{"module": "billing", "func": "loadSettings"}).
				WithError(err).Warn("failed to load settings, using defaults")
		} else {
			raw = s
		}
	}

	resolved, missing := raw.Resolve()
	for _, err := range missing {
		logger.WithFields(logrus.Fields{"module": "billing"}).Debug(err.Error())
	}
	return resolved
}
