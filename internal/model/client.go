package model

import (
	"fmt"
	"time"
)

// DateLayout is the storage format for calendar dates.
const DateLayout = "2006-01-02"

// Client is the read-only view of a reseller client the dispatch core needs.
// RenewalDate is kept raw so malformed values surface per client.
type Client struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Username    string  `json:"username"`
	Password    string  `json:"password"`
	Phone       string  `json:"phone"`
	Server      string  `json:"server"`
	Plan        string  `json:"plan"`
	RenewalDate string  `json:"renewal_date"`
	Value       float64 `json:"value"`
}

func (c Client) Renewal(loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, c.RenewalDate, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("client %s renewal date %q: %w", c.ID, c.RenewalDate, err)
	}
	return d, nil
}

type Invoice struct {
	ID       string    `json:"id"`
	ClientID string    `json:"client_id"`
	Value    float64   `json:"value"`
	DueDate  time.Time `json:"due_date"`
	Period   string    `json:"period"`
}

// CalendarDay truncates t to midnight in its own location.
func CalendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DaysBetween counts whole calendar days from a to b, ignoring time of day.
func DaysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	ua := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	ub := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}
