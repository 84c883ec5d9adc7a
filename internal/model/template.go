package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnknownTemplateType = errors.New("unknown template type")
	ErrInvalidTemplate     = errors.New("invalid template")
)

type TemplateType string

const (
	TypeWelcome          TemplateType = "welcome"
	TypeInvoiceGenerated TemplateType = "invoice_generated"
	TypeRenewed          TemplateType = "renewed"
	TypeExpires3d        TemplateType = "expires_3d"
	TypeExpires7d        TemplateType = "expires_7d"
	TypeExpiresToday     TemplateType = "expires_today"
	TypeExpired1d        TemplateType = "expired_1d"
	TypeExpired3d        TemplateType = "expired_3d"
	TypeCustom           TemplateType = "custom"
)

var TemplateTypes = []TemplateType{
	TypeWelcome,
	TypeInvoiceGenerated,
	TypeRenewed,
	TypeExpires3d,
	TypeExpires7d,
	TypeExpiresToday,
	TypeExpired1d,
	TypeExpired3d,
	TypeCustom,
}

func ParseTemplateType(raw string) (TemplateType, error) {
	for _, t := range TemplateTypes {
		if string(t) == raw {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTemplateType, raw)
}

// RenewalOffset returns the number of days between today and a client's
// renewal date for renewal-relative types. Event-driven and custom types
// report ok=false.
func (t TemplateType) RenewalOffset() (days int, ok bool) {
	switch t {
	case TypeExpires3d:
		return 3, true
	case TypeExpires7d:
		return 7, true
	case TypeExpiresToday:
		return 0, true
	case TypeExpired1d:
		return -1, true
	case TypeExpired3d:
		return -3, true
	case TypeWelcome, TypeInvoiceGenerated, TypeRenewed, TypeCustom:
		return 0, false
	}
	return 0, false
}

type Template struct {
	ID            int64        `json:"id"`
	TenantID      string       `json:"tenant_id"`
	Name          string       `json:"name"`
	Type          TemplateType `json:"type"`
	Title         string       `json:"title"`
	Message       string       `json:"message"`
	IsActive      bool         `json:"is_active"`
	IsDefault     bool         `json:"is_default"`
	IsScheduled   bool         `json:"is_scheduled"`
	ScheduledDays WeekdaySet   `json:"scheduled_days"`
	ScheduledTime *TimeOfDay   `json:"scheduled_time,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

func (t Template) Validate() error {
	if _, err := ParseTemplateType(string(t.Type)); err != nil {
		return err
	}
	if t.IsScheduled {
		if len(t.ScheduledDays) == 0 {
			return fmt.Errorf("%w: scheduled template %d has no days", ErrInvalidTemplate, t.ID)
		}
		if t.ScheduledTime == nil {
			return fmt.Errorf("%w: scheduled template %d has no time", ErrInvalidTemplate, t.ID)
		}
		return nil
	}
	if len(t.ScheduledDays) != 0 || t.ScheduledTime != nil {
		return fmt.Errorf("%w: unscheduled template %d carries schedule fields", ErrInvalidTemplate, t.ID)
	}
	return nil
}

// DisableSchedule turns scheduling off and clears both schedule fields.
func (t *Template) DisableSchedule() {
	t.IsScheduled = false
	t.ScheduledDays = nil
	t.ScheduledTime = nil
}

// WeekdaySet is the set of days a scheduled template fires on.
type WeekdaySet map[time.Weekday]struct{}

var weekdayTokens = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday, "0": time.Sunday,
	"monday": time.Monday, "mon": time.Monday, "1": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "2": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday, "3": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "4": time.Thursday,
	"friday": time.Friday, "fri": time.Friday, "5": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday, "6": time.Saturday,
}

func ParseWeekdays(tokens []string) (WeekdaySet, error) {
	set := WeekdaySet{}
	for _, tok := range tokens {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		d, ok := weekdayTokens[tok]
		if !ok {
			return nil, fmt.Errorf("%w: weekday %q", ErrInvalidTemplate, tok)
		}
		set[d] = struct{}{}
	}
	return set, nil
}

// ParseWeekdayList accepts a comma separated list such as "monday,wed,5".
func ParseWeekdayList(raw string) (WeekdaySet, error) {
	if strings.TrimSpace(raw) == "" {
		return WeekdaySet{}, nil
	}
	return ParseWeekdays(strings.Split(raw, ","))
}

func (s WeekdaySet) Contains(d time.Weekday) bool {
	_, ok := s[d]
	return ok
}

// Tokens returns lowercase weekday names ordered sunday first.
func (s WeekdaySet) Tokens() []string {
	days := make([]int, 0, len(s))
	for d := range s {
		days = append(days, int(d))
	}
	sort.Ints(days)
	out := make([]string, 0, len(days))
	for _, d := range days {
		out = append(out, strings.ToLower(time.Weekday(d).String()))
	}
	return out
}

func (s WeekdaySet) String() string {
	return strings.Join(s.Tokens(), ",")
}

// TimeOfDay is a wall-clock time without a date, second precision.
type TimeOfDay struct {
	Hour, Minute, Second int
}

func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, fmt.Errorf("%w: time of day %q", ErrInvalidTemplate, raw)
	}
	vals := make([]int, 3)
	limits := []int{23, 59, 59}
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > limits[i] {
			return TimeOfDay{}, fmt.Errorf("%w: time of day %q", ErrInvalidTemplate, raw)
		}
		vals[i] = v
	}
	return TimeOfDay{Hour: vals[0], Minute: vals[1], Second: vals[2]}, nil
}

// On returns the instant this time of day occurs on the calendar day of ref,
// in ref's location.
func (t TimeOfDay) On(ref time.Time) time.Time {
	y, m, d := ref.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, t.Second, 0, ref.Location())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

func (s WeekdaySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Tokens())
}

func (s *WeekdaySet) UnmarshalJSON(b []byte) error {
	var tokens []string
	if err := json.Unmarshal(b, &tokens); err != nil {
		return err
	}
	set, err := ParseWeekdays(tokens)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
