package portal

import (
	"fmt"
	"strings"

	"github.com/shehryarbajwa/slotcamper/pkg/models"
)

const (
	backendPrefix = "/bbdc-back-service/api"

	pathListSlotsReleased = backendPrefix + "/booking/c3practical/listC3PracticalSlotReleased"
	pathUpdateClashStatus = backendPrefix + "/booking/c3practical/updateSlotListClashStatus"
	pathBookSlot          = backendPrefix + "/booking/c3practical/callBookC3PracticalSlot"
	pathBookingCaptcha    = backendPrefix + "/booking/manage/getCaptchaImage"
	pathListManageBooking = backendPrefix + "/booking/manage/listManageBooking"
	pathCancelBooking     = backendPrefix + "/booking/manage/cancelBooking"

	// BackendPattern matches every backend request the page makes
	BackendPattern = "**/bbdc-back-service/**"

	slotsReleasedPattern = "**/listC3PracticalSlotReleased"

	defaultCourseType = "3C"
)

func entryPath(courseType string) string {
	if courseType == "" {
		courseType = defaultCourseType
	}
	return fmt.Sprintf("/?#/booking/chooseSlot?courseType=%s&insInstructorId=&instructorType=", courseType)
}

// monthButtonSelector selects the enabled month tab on the choose-slot page
func monthButtonSelector(m models.MonthCode) string {
	return fmt.Sprintf(`.dateList button[class*=available]:has-text("%s")`, m.Abbrev())
}

func isLoginURL(url string) bool {
	return strings.Contains(strings.ToLower(url), "login")
}
