// Package portaltest provides an in-memory booking portal behind a fake page
// driver, for tests of code built on the portal client.
package portaltest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shehryarbajwa/slotcamper/internal/browser"
	"github.com/shehryarbajwa/slotcamper/pkg/models"
)

const BaseURL = "https://portal.test"

// BookResult is a scripted answer to one booking call
type BookResult struct {
	Success  bool
	Message  string
	Outcomes []models.SlotOutcome
}

// Portal simulates the portal's choose-slot page and backend calls
type Portal struct {
	mu sync.Mutex

	// Current is the month the choose-slot page displays
	Current models.MonthCode
	// Available lists the months offered on the month bar
	Available  []models.MonthCode
	Released   map[models.MonthCode][]models.Slot
	AccountBal float64
	Scheduled  []models.Booking
	Clashing   map[int64]bool
	Expired    bool

	// CaptchaTimeouts makes the next n captcha requests time out
	CaptchaTimeouts int
	// BookResults is consumed one per booking call; when empty, every
	// requested slot is booked
	BookResults []BookResult
	// FailPost is returned by the next raw POST
	FailPost error
	// RejectSchedule, when set, is the message of a success=false answer to
	// the scheduled bookings call
	RejectSchedule string
	// OnFetch runs before a month's slots are served
	OnFetch func(p *Portal, month models.MonthCode)

	requests  []string
	fetched   []models.MonthCode
	answers   []string
	cancelled []string
	headers   map[string]string
	captchas  int
	launches  int
}

// New creates a portal showing current with the given months on offer
func New(current models.MonthCode, available ...models.MonthCode) *Portal {
	return &Portal{
		Current:   current,
		Available: available,
		Released:  make(map[models.MonthCode][]models.Slot),
		Clashing:  make(map[int64]bool),
	}
}

// AddSlot releases a slot; its month is taken from Date
func (p *Portal) AddSlot(id int64, date, session, start, end string, fee float64) models.Slot {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		panic(err)
	}
	s := models.Slot{
		Key:       models.SlotKey(d, session, id),
		ID:        id,
		Date:      date,
		Session:   session,
		StartTime: start,
		EndTime:   end,
		TotalFee:  fee,
		Payload: models.EncryptedSlot{
			SlotIDEnc:          fmt.Sprintf("enc-%d", id),
			BookingProgressEnc: fmt.Sprintf("prog-%d", id),
		},
	}

	p.mu.Lock()
	m := models.MonthOf(d)
	p.Released[m] = append(p.Released[m], s)
	p.mu.Unlock()
	return s
}

// Expire makes every further request look like an expired login
func (p *Portal) Expire() {
	p.mu.Lock()
	p.Expired = true
	p.mu.Unlock()
}

// Requests lists the backend calls made, by endpoint name
func (p *Portal) Requests() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.requests)
}

// Fetched lists the months served, in order
func (p *Portal) Fetched() []models.MonthCode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.fetched)
}

// Answers lists the captcha answers submitted with booking calls
func (p *Portal) Answers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.answers)
}

// Cancelled lists the cancelled booking IDs
func (p *Portal) Cancelled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.cancelled)
}

// Headers returns the backend headers most recently pushed to a page
func (p *Portal) Headers() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.headers)
}

// Launches counts the pages opened
func (p *Portal) Launches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.launches
}

// Launcher returns a browser.Launcher whose pages talk to p
func (p *Portal) Launcher() browser.Launcher {
	return launcher{p}
}

type launcher struct{ p *Portal }

func (l launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.p.mu.Lock()
	l.p.launches++
	l.p.headers = maps.Clone(opts.ExtraHeaders)
	l.p.mu.Unlock()
	return &driver{p: l.p, url: "about:blank"}, nil
}

var abbrevPattern = regexp.MustCompile(`has-text\("([A-Za-z]{3})"\)`)

type driver struct {
	p *Portal

	mu      sync.Mutex
	url     string
	closed  bool
	pending *browser.Response
}

func (d *driver) Navigate(ctx context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return browser.ErrClosed
	}

	d.p.mu.Lock()
	expired := d.p.Expired
	current := d.p.Current
	d.p.mu.Unlock()

	if expired {
		d.url = BaseURL + "/bbdc-web/login"
		return nil
	}
	d.url = url
	if strings.Contains(url, "/booking/chooseSlot") {
		d.pending = d.p.serveMonth(current)
	}
	return nil
}

func (d *driver) Click(ctx context.Context, selector string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return browser.ErrClosed
	}

	match := abbrevPattern.FindStringSubmatch(selector)
	if match == nil {
		return fmt.Errorf("no element matches %q", selector)
	}

	d.p.mu.Lock()
	var month models.MonthCode
	for _, m := range d.p.Available {
		if m.Abbrev() == match[1] {
			month = m
			break
		}
	}
	if month != 0 {
		d.p.Current = month
	}
	d.p.mu.Unlock()

	if month != 0 {
		d.pending = d.p.serveMonth(month)
	}
	return nil
}

func (d *driver) AwaitResponse(ctx context.Context, pattern string, timeout time.Duration, trigger func() error) (*browser.Response, error) {
	d.mu.Lock()
	d.pending = nil
	d.mu.Unlock()

	if err := trigger(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return nil, browser.ErrTimeout
	}
	resp := d.pending
	d.pending = nil
	return resp, nil
}

func (d *driver) Fill(ctx context.Context, selector, value string) error {
	return nil
}

func (d *driver) SetHeaders(h map[string]string) {
	d.p.mu.Lock()
	d.p.headers = maps.Clone(h)
	d.p.mu.Unlock()
}

func (d *driver) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

func (d *driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *driver) RawPost(ctx context.Context, url string, headers map[string]string, body any) (*browser.Response, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, browser.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var req map[string]json.RawMessage
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}

	p := d.p
	p.mu.Lock()
	defer p.mu.Unlock()

	name := url[strings.LastIndexByte(url, '/')+1:]
	p.requests = append(p.requests, name)

	if p.FailPost != nil {
		err := p.FailPost
		p.FailPost = nil
		return nil, err
	}
	if p.Expired {
		return &browser.Response{URL: url, Status: http.StatusUnauthorized}, nil
	}

	switch name {
	case "listManageBooking":
		if p.RejectSchedule != "" {
			return reply(url, false, p.RejectSchedule, nil), nil
		}
		return reply(url, true, "", map[string]any{"theoryActiveBookingList": wireBookings(p.Scheduled)}), nil

	case "updateSlotListClashStatus":
		var ids []int64
		json.Unmarshal(req["slotIdList"], &ids)
		list := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			list = append(list, map[string]any{"slotId": id, "isClash": p.Clashing[id]})
		}
		return reply(url, true, "", map[string]any{"slotList": list}), nil

	case "getCaptchaImage":
		if p.CaptchaTimeouts > 0 {
			p.CaptchaTimeouts--
			return nil, browser.ErrTimeout
		}
		p.captchas++
		img := base64.StdEncoding.EncodeToString(fmt.Appendf(nil, "captcha-%d", p.captchas))
		return reply(url, true, "", map[string]any{
			"image":        "data:image/png;base64," + img,
			"captchaToken": fmt.Sprintf("tok-%d", p.captchas),
			"verifyCodeId": fmt.Sprintf("vc-%d", p.captchas),
		}), nil

	case "callBookC3PracticalSlot":
		var answer string
		json.Unmarshal(req["verifyCodeValue"], &answer)
		p.answers = append(p.answers, answer)
		var ids []int64
		json.Unmarshal(req["slotIdList"], &ids)
		return p.book(url, ids), nil

	case "cancelBooking":
		var id string
		json.Unmarshal(req["bookingId"], &id)
		p.cancelled = append(p.cancelled, id)
		p.Scheduled = slices.DeleteFunc(p.Scheduled, func(b models.Booking) bool { return b.BookingID == id })
		return reply(url, true, "Booking cancelled.", nil), nil
	}

	return &browser.Response{URL: url, Status: http.StatusNotFound}, nil
}

func (p *Portal) serveMonth(month models.MonthCode) *browser.Response {
	if p.OnFetch != nil {
		p.OnFetch(p, month)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, "listC3PracticalSlotReleased")
	p.fetched = append(p.fetched, month)
	url := BaseURL + "/bbdc-back-service/api/booking/c3practical/listC3PracticalSlotReleased"
	if p.Expired {
		return reply(url, false, "token expired", nil)
	}

	months := make([]map[string]string, 0, len(p.Available))
	for _, m := range p.Available {
		months = append(months, map[string]string{"slotMonthYm": m.String(), "slotMonthEn": m.Abbrev()})
	}
	byDay := make(map[string][]map[string]any)
	for _, s := range p.Released[month] {
		day := s.Date + " 00:00:00"
		byDay[day] = append(byDay[day], map[string]any{
			"slotId":             s.ID,
			"slotIdEnc":          s.Payload.SlotIDEnc,
			"bookingProgressEnc": s.Payload.BookingProgressEnc,
			"slotRefName":        "SESSION " + s.Session,
			"startTime":          s.StartTime,
			"endTime":            s.EndTime,
			"totalFee":           s.TotalFee,
			"c3PsrFixGrpNo":      s.GroupID,
		})
	}

	return reply(url, true, "", map[string]any{
		"accountBal":                 p.AccountBal,
		"releasedSlotMonthList":      months,
		"releasedSlotListGroupByDay": byDay,
	})
}

// book must be called with p.mu held
func (p *Portal) book(url string, ids []int64) *browser.Response {
	if len(p.BookResults) > 0 {
		r := p.BookResults[0]
		p.BookResults = p.BookResults[1:]
		if !r.Success {
			return reply(url, false, r.Message, nil)
		}
		if r.Outcomes != nil {
			return reply(url, true, r.Message, map[string]any{"bookedPracticalSlotList": r.Outcomes})
		}
	}

	var outcomes []models.SlotOutcome
	for month, slots := range p.Released {
		p.Released[month] = slices.DeleteFunc(slots, func(s models.Slot) bool {
			if !slices.Contains(ids, s.ID) {
				return false
			}
			outcomes = append(outcomes, models.SlotOutcome{
				RefDate:   s.Date + " 00:00:00",
				RefName:   "SESSION " + s.Session,
				StartTime: s.StartTime,
				EndTime:   s.EndTime,
				Success:   true,
				Message:   "Booked",
			})
			p.Scheduled = append(p.Scheduled, models.Booking{
				BookingID: fmt.Sprintf("b-%d", s.ID),
				DataType:  "C3PRAC",
				RefDate:   s.Date + " 00:00:00.0",
				SessionNo: s.Session,
				StartTime: s.StartTime,
				EndTime:   s.EndTime,
				Fee:       s.TotalFee,
			})
			return true
		})
	}
	return reply(url, true, "", map[string]any{"bookedPracticalSlotList": outcomes})
}

func wireBookings(bookings []models.Booking) []map[string]any {
	out := make([]map[string]any, 0, len(bookings))
	for _, b := range bookings {
		out = append(out, map[string]any{
			"bookingId":     b.BookingID,
			"dataType":      b.DataType,
			"slotRefDate":   b.RefDate,
			"sessionNo":     b.SessionNo,
			"startTime":     b.StartTime,
			"endTime":       b.EndTime,
			"bookingCharge": b.Fee,
		})
	}
	return out
}

func reply(url string, success bool, message string, data any) *browser.Response {
	body, err := json.Marshal(map[string]any{"success": success, "message": message, "data": data})
	if err != nil {
		panic(err)
	}
	return &browser.Response{URL: url, Status: http.StatusOK, Body: body}
}

// ErrDriver is a convenience failure for FailPost
var ErrDriver = errors.New("page crashed")
