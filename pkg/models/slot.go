package models

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"
)

// MonthCode is a YYYYMM month such as 202504. CurrentMonth stands for the
// month the portal currently displays.
type MonthCode int

const CurrentMonth MonthCode = 0

// ParseMonthCode parses "202504"
func ParseMonthCode(s string) (MonthCode, error) {
	if len(s) != 6 {
		return 0, fmt.Errorf("invalid month code %q", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid month code %q: %w", s, err)
	}
	if mm := n % 100; mm < 1 || mm > 12 {
		return 0, fmt.Errorf("invalid month code %q", s)
	}
	return MonthCode(n), nil
}

// MonthOf returns the month code of t
func MonthOf(t time.Time) MonthCode {
	return MonthCode(t.Year()*100 + int(t.Month()))
}

func (m MonthCode) String() string {
	if m == CurrentMonth {
		return "current"
	}
	return strconv.Itoa(int(m))
}

// Abbrev returns the short English month name shown on the portal's month buttons
func (m MonthCode) Abbrev() string {
	return time.Month(int(m) % 100).String()[:3]
}

// EncryptedSlot holds the opaque identifiers the portal needs to book a slot
type EncryptedSlot struct {
	SlotIDEnc          string `json:"slotIdEnc"`
	BookingProgressEnc string `json:"bookingProgressEnc"`
}

// Slot is one bookable practical-test time window
type Slot struct {
	Key       string        `json:"key"`
	ID        int64         `json:"slotId"`
	Date      string        `json:"date"` // 2006-01-02
	Session   string        `json:"session"`
	StartTime string        `json:"startTime"` // 15:04
	EndTime   string        `json:"endTime"`
	TotalFee  float64       `json:"totalFee"`
	GroupID   string        `json:"groupId"`
	Payload   EncryptedSlot `json:"-"`
}

// SlotKey builds the external slot identifier: YYYYMMDD + session digit + "-" + id
func SlotKey(date time.Time, session string, id int64) string {
	return fmt.Sprintf("%s%s-%d", date.Format("20060102"), session, id)
}

// MonthOfKey returns the month encoded in a slot key
func MonthOfKey(key string) (MonthCode, error) {
	if len(key) < 6 {
		return 0, fmt.Errorf("invalid slot key %q", key)
	}
	return ParseMonthCode(key[:6])
}

// Month returns the month the slot falls in
func (s Slot) Month() MonthCode {
	m, _ := MonthOfKey(s.Key)
	return m
}

// StartsAt returns the slot start in loc
func (s Slot) StartsAt(loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04", s.Date+" "+s.StartTime, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("slot %s: invalid start: %w", s.Key, err)
	}
	return t, nil
}

// Summary is a one-line human description
func (s Slot) Summary() string {
	day := s.Date
	if t, err := time.Parse("2006-01-02", s.Date); err == nil {
		day = t.Format("2006-01-02 (Mon)")
	}
	return fmt.Sprintf("%s Session %s: %s-%s $%.2f", day, s.Session, s.StartTime, s.EndTime, s.TotalFee)
}

// SlotSet maps slot key to slot
type SlotSet map[string]Slot

// Keys returns the slot keys in ascending order
func (s SlotSet) Keys() []string {
	return slices.Sorted(maps.Keys(s))
}

// Clone returns a shallow copy
func (s SlotSet) Clone() SlotSet {
	out := make(SlotSet, len(s))
	maps.Copy(out, s)
	return out
}

// Merge copies other into s, deduplicating by key
func (s SlotSet) Merge(other SlotSet) {
	maps.Copy(s, other)
}

// Month resolves the month from the first slot key
func (s SlotSet) Month() (MonthCode, bool) {
	if len(s) == 0 {
		return 0, false
	}
	m, err := MonthOfKey(s.Keys()[0])
	if err != nil {
		return 0, false
	}
	return m, true
}

// Dates returns the distinct slot dates in ascending order
func (s SlotSet) Dates() []string {
	seen := make(map[string]struct{})
	for _, slot := range s {
		seen[slot.Date] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}
