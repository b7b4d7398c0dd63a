package leases

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Lease is one record from the authority. A lease that could not be parsed
// is still a Lease: it carries the reason and never grants access.
type Lease struct {
	Owner      string
	Subjects   []string
	ValidFrom  time.Time
	ValidUntil time.Time
	RemoteID   string

	broken string
}

type wireLease struct {
	UUID       *string          `json:"uuid"`
	ValidFrom  *string          `json:"valid_from"`
	ValidUntil *string          `json:"valid_until"`
	Components *[]wireComponent `json:"components"`
	Account    *wireAccount     `json:"account"`
}

type wireComponent struct {
	Name *string `json:"name"`
}

type wireAccount struct {
	Name *string `json:"name"`
}

// NewLease builds a Lease from one raw authority record. It never fails;
// problems are recorded as the broken reason.
func NewLease(raw json.RawMessage) Lease {
	var lease Lease
	if err := lease.decode(raw); err != nil {
		lease.broken = fmt.Sprintf("lease broken b/c of exception %v", err)
	}
	// withdrawn leases keep their record but lose their components
	if len(lease.Subjects) == 0 {
		lease.broken = "lease has no subject component"
	}
	return lease
}

func (l *Lease) decode(raw json.RawMessage) error {
	var w wireLease
	if err := json.Unmarshal(raw, &w); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if w.Account == nil || w.Account.Name == nil {
		return fmt.Errorf("missing account.name")
	}
	l.Owner = *w.Account.Name
	if w.UUID == nil {
		return fmt.Errorf("missing uuid")
	}
	l.RemoteID = *w.UUID
	if w.Components == nil {
		return fmt.Errorf("missing components")
	}
	subjects := make([]string, 0, len(*w.Components))
	for i, c := range *w.Components {
		if c.Name == nil {
			return fmt.Errorf("missing components[%d].name", i)
		}
		subjects = append(subjects, *c.Name)
	}
	l.Subjects = subjects
	if w.ValidFrom == nil || w.ValidUntil == nil {
		return fmt.Errorf("missing valid_from or valid_until")
	}
	from, err := ParseWire(*w.ValidFrom, time.UTC)
	if err != nil {
		return fmt.Errorf("parse valid_from: %w", err)
	}
	until, err := ParseWire(*w.ValidUntil, time.UTC)
	if err != nil {
		return fmt.Errorf("parse valid_until: %w", err)
	}
	l.ValidFrom = from.UTC()
	l.ValidUntil = until.UTC()
	return nil
}

// Broken returns the reason the lease is unusable, if any.
func (l Lease) Broken() (string, bool) {
	return l.broken, l.broken != ""
}

func (l Lease) IsBroken() bool {
	return l.broken != ""
}

// Check reports whether login may use component at now under this lease,
// and why not when it may not.
func (l Lease) Check(login, component string, now time.Time) (bool, string) {
	if l.broken != "" {
		return false, "ignoring broken lease: " + l.broken
	}
	if l.Owner != login {
		return false, fmt.Sprintf("login %s is not owner - actual owner is %s", login, l.Owner)
	}
	if now.Before(l.ValidFrom) || now.After(l.ValidUntil) {
		return false, "wrong time range"
	}
	for _, subject := range l.Subjects {
		if subject == component {
			return true, ""
		}
	}
	return false, fmt.Sprintf("%s not among subjects %v", component, l.Subjects)
}

// IsValid is Check without the reason.
func (l Lease) IsValid(login, component string, now time.Time) bool {
	ok, _ := l.Check(login, component, now)
	return ok
}

// Describe renders a one-line human summary, with times shown in now's
// location. The scope is omitted when the lease covers exactly component.
func (l Lease) Describe(component string, now time.Time) string {
	loc := now.Location()
	var when string
	if l.ValidUntil.Before(now) {
		when = "expired"
	} else {
		when = fmt.Sprintf("from %s until %s",
			human(l.ValidFrom.In(loc), true, false),
			human(l.ValidUntil.In(loc), false, true))
	}
	scope := ""
	if !(len(l.Subjects) == 1 && l.Subjects[0] == component) && len(l.Subjects) > 0 {
		scope = " -> " + strings.Join(l.Subjects, " & ")
	}
	line := fmt.Sprintf("%s%s - %s", l.Owner, scope, when)
	if l.broken != "" {
		line = fmt.Sprintf("<BROKEN %s> %s", l.broken, line)
	}
	return line
}

func human(t time.Time, showDate, showZone bool) string {
	layout := ""
	if showDate {
		layout += "01-02 @ "
	}
	layout += "15:04"
	if showZone {
		layout += " MST"
	}
	return t.Format(layout)
}
