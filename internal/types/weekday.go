package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WeekdaySet is a bitmask of weekdays, bit 0 = Sunday. An empty set means a
// one-off offer; a non-empty set means a weekly recurring one.
type WeekdaySet uint8

const allWeekdays WeekdaySet = 1<<7 - 1

func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s |= 1 << uint(d)
	}
	return s
}

func (s WeekdaySet) Has(d time.Weekday) bool {
	return s&(1<<uint(d)) != 0
}

func (s WeekdaySet) Empty() bool {
	return s&allWeekdays == 0
}

func (s WeekdaySet) Valid() bool {
	return s&^allWeekdays == 0
}

func (s WeekdaySet) Days() []time.Weekday {
	var out []time.Weekday
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out
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

func ParseWeekday(v string) (time.Weekday, error) {
	d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(v))]
	if !ok {
		return 0, fmt.Errorf("%w: unknown weekday %q", ErrValidation, v)
	}
	return d, nil
}

func (s WeekdaySet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, 7)
	for _, d := range s.Days() {
		names = append(names, strings.ToLower(d.String()[:3]))
	}
	return json.Marshal(names)
}

func (s *WeekdaySet) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	var out WeekdaySet
	for _, n := range names {
		d, err := ParseWeekday(n)
		if err != nil {
			return err
		}
		out |= 1 << uint(d)
	}
	*s = out
	return nil
}
