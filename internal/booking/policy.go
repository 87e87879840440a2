package booking

import (
	"time"

	"github.com/shehryarbajwa/slotcamper/pkg/models"
)

// TrySellWindow is how close to its start a slot counts as try-sell
const TrySellWindow = 24 * time.Hour

// Class is a slot's autobook category
type Class int

const (
	Ineligible Class = iota
	TrySell
	Advance
)

func (c Class) String() string {
	switch c {
	case TrySell:
		return "trysell"
	case Advance:
		return "advance"
	default:
		return "ineligible"
	}
}

// Classify places a slot relative to now. Slots starting within TrySellWindow
// are try-sell when their session is allow-listed and ineligible otherwise;
// later slots are advance.
func Classify(slot models.Slot, now time.Time, loc *time.Location, policy models.AutobookPolicy) Class {
	start, err := slot.StartsAt(loc)
	if err != nil {
		return Ineligible
	}
	until := start.Sub(now)
	switch {
	case until < 0:
		return Ineligible
	case until <= TrySellWindow:
		if policy.AllowsTrySellSession(slot.Session) {
			return TrySell
		}
		return Ineligible
	default:
		return Advance
	}
}

// SelectEligible returns the slots the policy allows booking automatically
func SelectEligible(slots models.SlotSet, now time.Time, loc *time.Location, policy models.AutobookPolicy) models.SlotSet {
	out := make(models.SlotSet)
	if !policy.TrySell && !policy.Advance {
		return out
	}
	for key, slot := range slots {
		switch Classify(slot, now, loc, policy) {
		case TrySell:
			if policy.TrySell {
				out[key] = slot
			}
		case Advance:
			if policy.Advance {
				out[key] = slot
			}
		}
	}
	return out
}

// limitDates keeps the slots on the earliest n distinct dates and returns
// the dates it dropped. n <= 0 keeps everything.
func limitDates(slots models.SlotSet, n int) (models.SlotSet, []string) {
	dates := slots.Dates()
	if n <= 0 || len(dates) <= n {
		return slots, nil
	}

	keep := make(map[string]bool, n)
	for _, d := range dates[:n] {
		keep[d] = true
	}
	out := make(models.SlotSet)
	for k, s := range slots {
		if keep[s.Date] {
			out[k] = s
		}
	}
	return out, dates[n:]
}
