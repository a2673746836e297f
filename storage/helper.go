package storage

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/emersion/go-ical"
)

// ParseCalendar decodes raw iCalendar text into a go-ical tree.
func ParseCalendar(raw string) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(strings.NewReader(raw)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	return cal, nil
}

// EncodeCalendar serializes a go-ical tree back to iCalendar text.
func EncodeCalendar(cal *ical.Calendar) (string, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("encode calendar: %w", err)
	}
	return buf.String(), nil
}

// MainComponent selects the first sub-component that is not a timezone
// definition. Calendar objects must carry one; a container with only
// VTIMEZONE children is invalid.
func MainComponent(cal *ical.Calendar) (*ical.Component, error) {
	for _, comp := range cal.Children {
		if comp.Name != ical.CompTimezone {
			return comp, nil
		}
	}
	return nil, fmt.Errorf("%w: calendar object carries no event, todo or journal component", ErrBadInput)
}

// ETag returns the quoted content digest used as the entity tag of raw
// calendar data.
func ETag(raw string) string {
	sum := sha1.Sum([]byte(raw))
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
