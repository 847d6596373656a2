// ABOUTME: Business hours policy and the in/out-of-hours evaluation used to gate agent auto-replies
// ABOUTME: Policies are validated once at load time and are immutable afterwards

package hours

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // zone database for hosts without /usr/share/zoneinfo
)

// ErrInvalidPolicy is returned when a business hours configuration cannot be used
var ErrInvalidPolicy = errors.New("invalid business hours policy")

// Policy is a weekly window during which the agent may reply automatically.
// Start and End are minutes since local midnight; both endpoints are inclusive.
type Policy struct {
	start    int
	end      int
	weekdays [7]bool
	location *time.Location
}

// Window is the raw, configuration-shaped form of a Policy.
type Window struct {
	Start    string   // "HH:MM"
	End      string   // "HH:MM"
	Weekdays []string // "mon".."sun" or full English names
	Timezone string   // IANA zone, e.g. "America/Sao_Paulo"; empty means UTC
}

// ParsePolicy validates a Window and builds the immutable Policy.
func ParsePolicy(w Window) (*Policy, error) {
	start, err := parseClock(w.Start)
	if err != nil {
		return nil, fmt.Errorf("%w: start: %v", ErrInvalidPolicy, err)
	}
	end, err := parseClock(w.End)
	if err != nil {
		return nil, fmt.Errorf("%w: end: %v", ErrInvalidPolicy, err)
	}

	days := make([]time.Weekday, 0, len(w.Weekdays))
	for _, name := range w.Weekdays {
		d, err := parseWeekday(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		days = append(days, d)
	}

	loc := time.UTC
	if w.Timezone != "" {
		loc, err = time.LoadLocation(w.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidPolicy, w.Timezone, err)
		}
	}

	return NewPolicy(start, end, days, loc)
}

// NewPolicy builds a Policy from minute offsets. end must not precede start;
// windows crossing midnight are not supported.
func NewPolicy(startMinute, endMinute int, weekdays []time.Weekday, loc *time.Location) (*Policy, error) {
	if startMinute < 0 || startMinute >= 24*60 || endMinute < 0 || endMinute >= 24*60 {
		return nil, fmt.Errorf("%w: window must lie within one day", ErrInvalidPolicy)
	}
	if endMinute < startMinute {
		return nil, fmt.Errorf("%w: end %s is before start %s", ErrInvalidPolicy, formatClock(endMinute), formatClock(startMinute))
	}
	if len(weekdays) == 0 {
		return nil, fmt.Errorf("%w: at least one weekday is required", ErrInvalidPolicy)
	}
	if loc == nil {
		loc = time.UTC
	}

	p := &Policy{start: startMinute, end: endMinute, location: loc}
	for _, d := range weekdays {
		if d < time.Sunday || d > time.Saturday {
			return nil, fmt.Errorf("%w: weekday %d out of range", ErrInvalidPolicy, d)
		}
		p.weekdays[d] = true
	}
	return p, nil
}

// Location returns the reference zone for evaluation.
func (p *Policy) Location() *time.Location { return p.location }

// Window returns the daily window as "HH:MM" strings.
func (p *Policy) Window() (start, end string) {
	return formatClock(p.start), formatClock(p.end)
}

// Active reports whether the window applies on the given weekday.
func (p *Policy) Active(d time.Weekday) bool {
	return d >= time.Sunday && d <= time.Saturday && p.weekdays[d]
}

// String renders the policy for logs, e.g. "mon,tue 08:00-18:00 America/Sao_Paulo".
func (p *Policy) String() string {
	var days []string
	for d := time.Sunday; d <= time.Saturday; d++ {
		if p.weekdays[d] {
			days = append(days, strings.ToLower(d.String()[:3]))
		}
	}
	return fmt.Sprintf("%s %s-%s %s", strings.Join(days, ","), formatClock(p.start), formatClock(p.end), p.location)
}

// IsWithinBusinessHours reports whether instant falls inside the policy window.
// A nil policy means business hours are not configured and always allows.
func IsWithinBusinessHours(p *Policy, instant time.Time) bool {
	if p == nil {
		return true
	}
	local := instant.In(p.location)
	if !p.weekdays[local.Weekday()] {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= p.start && minute <= p.end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func formatClock(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	return d, nil
}
