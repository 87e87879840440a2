package models

import (
	"time"
)

// Booking is a scheduled booking listed by the portal
type Booking struct {
	BookingID string  `json:"bookingId"`
	DataType  string  `json:"dataType"`
	RefDate   string  `json:"slotRefDate"` // 2006-01-02 15:04:05.0
	SessionNo string  `json:"sessionNo"`
	StartTime string  `json:"startTime"`
	EndTime   string  `json:"endTime"`
	Fee       float64 `json:"bookingCharge"`
}

// Key identifies a booking by day and start, e.g. "2025-04-29, Tue 07:30"
func (b Booking) Key() string {
	if len(b.RefDate) < 10 {
		return b.RefDate + " " + b.StartTime
	}
	d, err := time.Parse("2006-01-02", b.RefDate[:10])
	if err != nil {
		return b.RefDate[:10] + " " + b.StartTime
	}
	return d.Format("2006-01-02, Mon ") + b.StartTime
}

// SlotOutcome is the per-slot result of a booking call
type SlotOutcome struct {
	RefDate   string `json:"slotRefDate"`
	RefName   string `json:"slotRefName"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
}
