package vulndb

import (
	"encoding/json"
	"time"

	"github.com/araddon/dateparse"
)

var updateTimeFormats = []string{
	"2006-01-02T15:04Z",
	"2006-01-02T15:04z",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTimeFormats(value string, formats ...string) (t time.Time, err error) {
	for _, format := range formats {
		t, err = time.Parse(format, value)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// UpdateTime is the moment a feed last changed a record. Feeds disagree on
// the layout, so unmarshalling tries the common ones, then guesses, and
// settles for the zero time rather than rejecting the record.
type UpdateTime struct {
	time.Time
}

var (
	_ json.Unmarshaler = (*UpdateTime)(nil)
	_ json.Marshaler   = UpdateTime{}
)

func (t *UpdateTime) UnmarshalJSON(b []byte) error {
	var value string
	if err := json.Unmarshal(b, &value); err != nil || value == "" {
		*t = UpdateTime{}
		return nil
	}
	parsed, err := parseTimeFormats(value, updateTimeFormats...)
	if err != nil {
		parsed, err = dateparse.ParseIn(value, time.UTC)
	}
	if err != nil {
		*t = UpdateTime{}
		return nil
	}
	*t = UpdateTime{parsed.UTC()}
	return nil
}

func (t UpdateTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}
