package bot

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"promobot/internal/errs"
	"promobot/internal/models"
)

const (
	scheduleLayout = "02-01-2006 15:04"
	dateLayout     = "2006-01-02"
	skipInput      = "-"
)

// ParseAppID parses a numeric app id. "-" skips it.
func ParseAppID(s string) (*int64, error) {
	s = strings.TrimSpace(s)
	if s == skipInput {
		return nil, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return nil, errs.NewValidationError("App id must be a positive number, or - to skip")
	}
	return &id, nil
}

// ParseButtons parses one "Label | https://url" button per line. "-" means no buttons.
func ParseButtons(s string) ([]models.Button, error) {
	s = strings.TrimSpace(s)
	if s == skipInput {
		return nil, nil
	}

	var buttons []models.Button
	for i, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		label, link, ok := strings.Cut(line, "|")
		label, link = strings.TrimSpace(label), strings.TrimSpace(link)
		if !ok || label == "" || link == "" {
			return nil, errs.NewValidationError(fmt.Sprintf("Line %d: expected Label | https://url", i+1))
		}
		u, err := url.ParseRequestURI(link)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "tg") {
			return nil, errs.NewValidationError(fmt.Sprintf("Line %d: %q is not a valid link", i+1, link))
		}
		buttons = append(buttons, models.Button{Label: label, URL: link})
	}
	if len(buttons) == 0 {
		return nil, errs.NewValidationError("Send at least one button, or - for none")
	}
	return buttons, nil
}

// ParseScheduleTime parses "DD-MM-YYYY HH:MM" in loc and requires it to be after now
func ParseScheduleTime(s string, loc *time.Location, now time.Time) (time.Time, error) {
	at, err := time.ParseInLocation(scheduleLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, errs.NewValidationError("Invalid format. Example: 21-06-2025 17:30")
	}
	if !at.After(now) {
		return time.Time{}, errs.ErrScheduleInPast
	}
	return at, nil
}

// combineDateTime joins a YYYY-MM-DD date and an HH:MM time in loc
func combineDateTime(date, clock string, loc *time.Location, now time.Time) (time.Time, error) {
	at, err := time.ParseInLocation(dateLayout+" 15:04", date+" "+clock, loc)
	if err != nil {
		return time.Time{}, errs.NewValidationError("Invalid time, expected HH:MM")
	}
	if !at.After(now) {
		return time.Time{}, errs.ErrScheduleInPast
	}
	return at, nil
}

// parseCommandID reads the numeric argument of commands like /post 12
func parseCommandID(args string) (int64, string, error) {
	head, rest, _ := strings.Cut(strings.TrimSpace(args), " ")
	id, err := strconv.ParseInt(strings.TrimPrefix(head, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, "", errs.NewValidationError("Expected a post number, e.g. 12")
	}
	return id, strings.TrimSpace(rest), nil
}
