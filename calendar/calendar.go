/*
Package calendar classifies calendar dates for premium billing.

PURPOSE:
  Work on a Sunday or a public holiday is billed at the full premium. This
  package answers "what kind of day is this, in this country?" for the
  billing splitter. It knows the national holidays of the countries the
  service operates in and accepts extra holidays (regional days, one-off
  bridge days) from a YAML file.

DAY KINDS:
  Ordinary: regular day, evening premium may apply
  Sunday:   full premium
  Holiday:  full premium (a holiday falling on a Sunday is reported as Holiday)

SEE ALSO:
  - rules.go: national holiday rules per country
  - yaml.go: extra holidays from configuration
  - billing/split.go: the only consumer of Classify
*/
package calendar

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/care-attendance/attendance"
)

type DayKind int

const (
	Ordinary DayKind = iota
	Sunday
	Holiday
)

func (k DayKind) String() string {
	switch k {
	case Sunday:
		return "sunday"
	case Holiday:
		return "holiday"
	}
	return "ordinary"
}

// PublicHoliday is a dated holiday for one country.
type PublicHoliday struct {
	Country   string
	Date      attendance.Date
	Name      string
	Recurring bool // same month/day every year
}

// HolidayCalendar provides holiday lookup functionality.
type HolidayCalendar interface {
	// IsHoliday checks if a date is a public holiday in country.
	IsHoliday(country string, date attendance.Date) bool

	// Holidays returns all holidays of a country in a given year, by date.
	Holidays(country string, year int) []PublicHoliday
}

// Classify returns the kind of day for premium purposes.
func Classify(cal HolidayCalendar, country string, date attendance.Date) DayKind {
	if cal != nil && cal.IsHoliday(country, date) {
		return Holiday
	}
	if date.Weekday() == time.Sunday {
		return Sunday
	}
	return Ordinary
}

// =============================================================================
// REGISTRY - Built-in rules plus configured extras
// =============================================================================

type Registry struct {
	mu     sync.RWMutex
	rules  map[string]rule
	extras map[string][]PublicHoliday
}

// New returns a registry with the built-in national rules.
func New() *Registry {
	r := &Registry{
		rules:  make(map[string]rule),
		extras: make(map[string][]PublicHoliday),
	}
	for country, fn := range builtinRules {
		r.rules[country] = fn
	}
	return r
}

var _ HolidayCalendar = (*Registry)(nil)

// Supports reports whether the country has built-in rules or configured extras.
func (r *Registry) Supports(country string) bool {
	country = normalize(country)
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, hasRule := r.rules[country]
	return hasRule || len(r.extras[country]) > 0
}

// Add registers an extra holiday.
func (r *Registry) Add(h PublicHoliday) {
	h.Country = normalize(h.Country)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extras[h.Country] = append(r.extras[h.Country], h)
}

func (r *Registry) IsHoliday(country string, date attendance.Date) bool {
	for _, h := range r.Holidays(country, date.Year) {
		if h.Date == date {
			return true
		}
	}
	return false
}

func (r *Registry) Holidays(country string, year int) []PublicHoliday {
	country = normalize(country)
	r.mu.RLock()
	fn := r.rules[country]
	extras := r.extras[country]
	r.mu.RUnlock()

	var out []PublicHoliday
	if fn != nil {
		out = fn(year)
		for i := range out {
			out[i].Country = country
		}
	}
	for _, h := range extras {
		switch {
		case h.Recurring:
			h.Date = attendance.NewDate(year, h.Date.Month, h.Date.Day)
		case h.Date.Year != year:
			continue
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func normalize(country string) string {
	return strings.ToUpper(strings.TrimSpace(country))
}
