package portal

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shehryarbajwa/slotcamper/pkg/models"
)

// envelope is the portal's response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null")) || bytes.Equal(t, []byte("{}")) || bytes.Equal(t, []byte("[]"))
}

// number accepts JSON numbers and numeric strings
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", b, err)
	}
	*n = number(f)
	return nil
}

// text accepts JSON strings and numbers
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
		return nil
	}
	if string(b) == "null" {
		*t = ""
		return nil
	}
	*t = text(b)
	return nil
}

type wireMonth struct {
	SlotMonthYm string `json:"slotMonthYm"`
	SlotMonthEn string `json:"slotMonthEn"`
}

type wireSlot struct {
	SlotID             number `json:"slotId"`
	SlotIDEnc          string `json:"slotIdEnc"`
	BookingProgressEnc string `json:"bookingProgressEnc"`
	SlotRefName        string `json:"slotRefName"`
	StartTime          string `json:"startTime"`
	EndTime            string `json:"endTime"`
	TotalFee           number `json:"totalFee"`
	GroupNo            text   `json:"c3PsrFixGrpNo"`
}

type wireReleased struct {
	AccountBal                 *number               `json:"accountBal"`
	ReleasedSlotMonthList      []wireMonth           `json:"releasedSlotMonthList"`
	ReleasedSlotListGroupByDay map[string][]wireSlot `json:"releasedSlotListGroupByDay"`
}

// ReleasedSlots is one month's answer from the choose-slot page
type ReleasedSlots struct {
	Slots           models.SlotSet
	AvailableMonths []models.MonthCode
	AccountBal      *float64
}

// Empty reports whether the response carried no data at all
func (r *ReleasedSlots) Empty() bool {
	return len(r.Slots) == 0 && len(r.AvailableMonths) == 0 && r.AccountBal == nil
}

func parseReleasedSlots(raw json.RawMessage) (*ReleasedSlots, error) {
	out := &ReleasedSlots{Slots: make(models.SlotSet)}
	if isEmptyJSON(raw) {
		return out, nil
	}

	var data wireReleased
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode released slots: %w", err)
	}

	if data.AccountBal != nil {
		bal := float64(*data.AccountBal)
		out.AccountBal = &bal
	}

	for _, m := range data.ReleasedSlotMonthList {
		code, err := models.ParseMonthCode(m.SlotMonthYm)
		if err != nil {
			return nil, err
		}
		out.AvailableMonths = append(out.AvailableMonths, code)
	}

	for day, slots := range data.ReleasedSlotListGroupByDay {
		if len(day) < 10 {
			return nil, fmt.Errorf("invalid slot day %q", day)
		}
		date, err := time.Parse("2006-01-02", day[:10])
		if err != nil {
			return nil, fmt.Errorf("invalid slot day %q: %w", day, err)
		}
		for _, ws := range slots {
			session, err := sessionCode(ws.SlotRefName)
			if err != nil {
				return nil, err
			}
			id := int64(ws.SlotID)
			key := models.SlotKey(date, session, id)
			out.Slots[key] = models.Slot{
				Key:       key,
				ID:        id,
				Date:      date.Format("2006-01-02"),
				Session:   session,
				StartTime: ws.StartTime,
				EndTime:   ws.EndTime,
				TotalFee:  float64(ws.TotalFee),
				GroupID:   string(ws.GroupNo),
				Payload: models.EncryptedSlot{
					SlotIDEnc:          ws.SlotIDEnc,
					BookingProgressEnc: ws.BookingProgressEnc,
				},
			}
		}
	}

	return out, nil
}

// sessionCode extracts "3" from "SESSION 3"
func sessionCode(refName string) (string, error) {
	fields := strings.Fields(refName)
	if len(fields) < 2 || len(fields[1]) != 1 || fields[1][0] < '1' || fields[1][0] > '8' {
		return "", fmt.Errorf("invalid slot session %q", refName)
	}
	return fields[1], nil
}

type wireBooking struct {
	BookingID     text   `json:"bookingId"`
	DataType      string `json:"dataType"`
	SlotRefDate   string `json:"slotRefDate"`
	SessionNo     text   `json:"sessionNo"`
	StartTime     string `json:"startTime"`
	EndTime       string `json:"endTime"`
	BookingCharge number `json:"bookingCharge"`
}

func parseScheduled(raw json.RawMessage) ([]models.Booking, error) {
	if isEmptyJSON(raw) {
		return nil, nil
	}
	var data struct {
		ActiveBookingList []wireBooking `json:"theoryActiveBookingList"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode scheduled bookings: %w", err)
	}

	out := make([]models.Booking, 0, len(data.ActiveBookingList))
	for _, b := range data.ActiveBookingList {
		out = append(out, models.Booking{
			BookingID: string(b.BookingID),
			DataType:  b.DataType,
			RefDate:   b.SlotRefDate,
			SessionNo: string(b.SessionNo),
			StartTime: b.StartTime,
			EndTime:   b.EndTime,
			Fee:       float64(b.BookingCharge),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func parseClashStatus(raw json.RawMessage) ([]int64, error) {
	if isEmptyJSON(raw) {
		return nil, nil
	}
	var data struct {
		SlotList []struct {
			SlotID  number `json:"slotId"`
			IsClash bool   `json:"isClash"`
		} `json:"slotList"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode clash status: %w", err)
	}

	var ids []int64
	for _, s := range data.SlotList {
		if !s.IsClash {
			ids = append(ids, int64(s.SlotID))
		}
	}
	return ids, nil
}

// CaptchaToken identifies a captcha challenge to the portal
type CaptchaToken struct {
	CaptchaToken string `json:"captchaToken"`
	VerifyCodeID string `json:"verifyCodeId"`
}

// Challenge is a captcha image and the token it was issued with
type Challenge struct {
	Image []byte
	Token CaptchaToken
}

func parseChallenge(raw json.RawMessage) (*Challenge, error) {
	var data struct {
		Image string `json:"image"`
		CaptchaToken
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode captcha: %w", err)
	}

	encoded := data.Image
	if i := strings.IndexByte(encoded, ','); i >= 0 {
		encoded = encoded[i+1:]
	}
	img, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode captcha image: %w", err)
	}
	return &Challenge{Image: img, Token: data.CaptchaToken}, nil
}

// BookingPayload is the body of a booking call
type BookingPayload struct {
	CourseType      string                 `json:"courseType"`
	InsInstructorID string                 `json:"insInstructorId"`
	SubVehicleType  *string                `json:"subVehicleType"`
	InstructorType  string                 `json:"instructorType"`
	SlotIDList      []int64                `json:"slotIdList"`
	EncryptSlotList []models.EncryptedSlot `json:"encryptSlotList"`
	VerifyCodeValue string                 `json:"verifyCodeValue"`
	CaptchaToken
}

// NewBookingPayload builds a payload for the given slots, ordered by key
func NewBookingPayload(courseType string, slots models.SlotSet) BookingPayload {
	if courseType == "" {
		courseType = defaultCourseType
	}
	p := BookingPayload{CourseType: courseType}
	for _, k := range slots.Keys() {
		s := slots[k]
		p.SlotIDList = append(p.SlotIDList, s.ID)
		p.EncryptSlotList = append(p.EncryptSlotList, s.Payload)
	}
	return p
}

// WithAnswer returns a copy carrying a captcha token and its answer
func (p BookingPayload) WithAnswer(token CaptchaToken, answer string) BookingPayload {
	p.CaptchaToken = token
	p.VerifyCodeValue = answer
	return p
}

// BookingResult is the portal's answer to a booking call
type BookingResult struct {
	Slots   []models.SlotOutcome
	Message string
}

// Booked counts successful slots
func (r *BookingResult) Booked() int {
	n := 0
	for _, s := range r.Slots {
		if s.Success {
			n++
		}
	}
	return n
}

func parseBookingResult(raw json.RawMessage) (*BookingResult, error) {
	if isEmptyJSON(raw) {
		return &BookingResult{}, nil
	}
	var data struct {
		BookedPracticalSlotList []struct {
			SlotRefDate string `json:"slotRefDate"`
			SlotRefName string `json:"slotRefName"`
			StartTime   string `json:"startTime"`
			EndTime     string `json:"endTime"`
			Success     bool   `json:"success"`
			Message     string `json:"message"`
		} `json:"bookedPracticalSlotList"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode booking result: %w", err)
	}

	res := &BookingResult{}
	for _, s := range data.BookedPracticalSlotList {
		res.Slots = append(res.Slots, models.SlotOutcome{
			RefDate:   s.SlotRefDate,
			RefName:   s.SlotRefName,
			StartTime: s.StartTime,
			EndTime:   s.EndTime,
			Success:   s.Success,
			Message:   s.Message,
		})
	}
	return res, nil
}
