package portal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/slotcamper/pkg/models"
)

func TestParseReleasedSlots(t *testing.T) {
	raw := json.RawMessage(`{
		"accountBal": "120.50",
		"releasedSlotMonthList": [{"slotMonthYm": "202504", "slotMonthEn": "Apr"}],
		"releasedSlotListGroupByDay": {
			"2025-04-29 00:00:00": [
				{"slotId": "555", "slotIdEnc": "e", "bookingProgressEnc": "p", "slotRefName": "SESSION 3",
				 "startTime": "11:30", "endTime": "13:10", "totalFee": 80.25, "c3PsrFixGrpNo": 12}
			]
		}
	}`)

	res, err := parseReleasedSlots(raw)
	require.NoError(t, err)
	require.NotNil(t, res.AccountBal)
	assert.InDelta(t, 120.5, *res.AccountBal, 0.001)
	assert.Equal(t, []models.MonthCode{202504}, res.AvailableMonths)

	s, ok := res.Slots["202504293-555"]
	require.True(t, ok)
	assert.Equal(t, int64(555), s.ID)
	assert.Equal(t, "2025-04-29", s.Date)
	assert.Equal(t, "12", s.GroupID)
	assert.Equal(t, models.EncryptedSlot{SlotIDEnc: "e", BookingProgressEnc: "p"}, s.Payload)
	assert.Equal(t, models.MonthCode(202504), s.Month())
}

func TestParseReleasedSlotsEmpty(t *testing.T) {
	for _, raw := range []string{``, `null`, `{}`} {
		res, err := parseReleasedSlots(json.RawMessage(raw))
		require.NoError(t, err)
		assert.True(t, res.Empty(), raw)
	}
}

func TestSessionCode(t *testing.T) {
	code, err := sessionCode("SESSION 8")
	require.NoError(t, err)
	assert.Equal(t, "8", code)

	for _, bad := range []string{"SESSION", "SESSION 9", "SESSION 10", ""} {
		_, err := sessionCode(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseChallenge(t *testing.T) {
	raw := json.RawMessage(`{"image": "data:image/png;base64,aGVsbG8=", "captchaToken": "t", "verifyCodeId": "v"}`)
	ch, err := parseChallenge(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), ch.Image)
	assert.Equal(t, CaptchaToken{CaptchaToken: "t", VerifyCodeID: "v"}, ch.Token)
}

func TestBookingPayloadWire(t *testing.T) {
	slots := models.SlotSet{
		"202504301-2": {Key: "202504301-2", ID: 2, Payload: models.EncryptedSlot{SlotIDEnc: "e2"}},
		"202504291-1": {Key: "202504291-1", ID: 1, Payload: models.EncryptedSlot{SlotIDEnc: "e1"}},
	}
	p := NewBookingPayload("", slots).WithAnswer(CaptchaToken{CaptchaToken: "t", VerifyCodeID: "v"}, "ab12c")

	b, err := json.Marshal(p)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "3C", m["courseType"])
	assert.Equal(t, []any{1.0, 2.0}, m["slotIdList"])
	assert.Equal(t, "t", m["captchaToken"])
	assert.Equal(t, "v", m["verifyCodeId"])
	assert.Equal(t, "ab12c", m["verifyCodeValue"])
	assert.Nil(t, m["subVehicleType"])
}

func TestParseClashStatus(t *testing.T) {
	ids, err := parseClashStatus(json.RawMessage(`{"slotList": [{"slotId": 1, "isClash": false}, {"slotId": "2", "isClash": true}]}`))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
}
