package template

import "github.com/LeventeLantos/reseller-notifier/internal/model"

// Defaults returns the starter templates a new tenant is seeded with: one
// default per type, renewal reminders scheduled every day at 09:00.
func Defaults() []model.Template {
	everyDay, _ := model.ParseWeekdayList("sun,mon,tue,wed,thu,fri,sat")
	nineAM := model.TimeOfDay{Hour: 9}

	reminder := func(typ model.TemplateType, name, text string) model.Template {
		at := nineAM
		return model.Template{
			Name:          name,
			Type:          typ,
			Message:       text,
			IsActive:      true,
			IsDefault:     true,
			IsScheduled:   true,
			ScheduledDays: everyDay,
			ScheduledTime: &at,
		}
	}
	event := func(typ model.TemplateType, name, text string) model.Template {
		return model.Template{Name: name, Type: typ, Message: text, IsActive: true, IsDefault: true}
	}

	return []model.Template{
		event(model.TypeWelcome, "Welcome",
			"Hi {{client_name}}, welcome! Your access: user {{username}}, password {{password}}, server {{server}}. Plan {{plan}}, renews on {{renewal_date}}."),
		event(model.TypeInvoiceGenerated, "Invoice generated",
			"Hi {{client_name}}, your invoice of {{invoice_value}} for {{period}} is due on {{due_date}}."),
		event(model.TypeRenewed, "Renewed",
			"Hi {{client_name}}, payment received. Your plan {{plan}} now renews on {{renewal_date}}. Thank you!"),
		reminder(model.TypeExpires7d, "Expires in 7 days",
			"Hi {{client_name}}, your plan {{plan}} expires in 7 days ({{renewal_date}})."),
		reminder(model.TypeExpires3d, "Expires in 3 days",
			"Hi {{client_name}}, your plan {{plan}} expires in 3 days ({{renewal_date}}). Renew for {{value}}."),
		reminder(model.TypeExpiresToday, "Expires today",
			"Hi {{client_name}}, your plan {{plan}} expires today. Renew for {{value}} to keep watching."),
		reminder(model.TypeExpired1d, "Expired 1 day ago",
			"Hi {{client_name}}, your plan expired yesterday ({{renewal_date}}). Renew for {{value}} to restore access."),
		reminder(model.TypeExpired3d, "Expired 3 days ago",
			"Hi {{client_name}}, your plan expired on {{renewal_date}}. We miss you! Renew for {{value}}."),
	}
}
