package template

import (
	"fmt"
	"time"

	"github.com/LeventeLantos/reseller-notifier/internal/model"
)

const (
	VarClientName   = "client_name"
	VarUsername     = "username"
	VarPassword     = "password"
	VarServer       = "server"
	VarPlan         = "plan"
	VarRenewalDate  = "renewal_date"
	VarValue        = "value"
	VarInvoiceValue = "invoice_value"
	VarDueDate      = "due_date"
	VarPeriod       = "period"
)

const displayDate = "02/01/2006"

// ClientVars binds the client variables. A renewal date that does not parse
// is passed through as stored.
func ClientVars(c model.Client) map[string]string {
	vars := map[string]string{
		VarClientName: c.Name,
		VarUsername:   c.Username,
		VarPassword:   c.Password,
		VarServer:     c.Server,
		VarPlan:       c.Plan,
		VarValue:      formatMoney(c.Value),
	}
	if d, err := time.Parse(model.DateLayout, c.RenewalDate); err == nil {
		vars[VarRenewalDate] = d.Format(displayDate)
	} else if c.RenewalDate != "" {
		vars[VarRenewalDate] = c.RenewalDate
	}
	return vars
}

// InvoiceVars adds the invoice variables on top of vars and returns it.
func InvoiceVars(vars map[string]string, inv model.Invoice) map[string]string {
	if vars == nil {
		vars = map[string]string{}
	}
	vars[VarInvoiceValue] = formatMoney(inv.Value)
	if !inv.DueDate.IsZero() {
		vars[VarDueDate] = inv.DueDate.Format(displayDate)
	}
	vars[VarPeriod] = inv.Period
	return vars
}

func formatMoney(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
