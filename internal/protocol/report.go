package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Report body keys. The misspelled key is what older clients send and wins
// when both are present.
const (
	KeyDeviceType        = "device_type"
	KeyDeviceName        = "device_name"
	KeyWindowTitleLegacy = "window_tittle"
	KeyWindowTitle       = "window_title"
)

// ParseReport parses a POST /report body.
//
// Unlike TCP frames, structural problems are returned to the caller: a missing
// device_type, an empty device_name or a null/missing status is ErrMissingField.
func ParseReport(body []byte) (Update, error) {
	fields := map[string]any{}
	if len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return Update{}, fmt.Errorf("%w: %v", ErrInvalidBody, err)
		}
	}

	code := strings.TrimSpace(stringify(fields[KeyDeviceType]))
	baseName := strings.TrimSpace(stringify(fields[KeyDeviceName]))

	raw := fields[KeyWindowTitleLegacy]
	if raw == nil {
		raw = fields[KeyWindowTitle]
	}

	switch {
	case code == "":
		return Update{}, fmt.Errorf("%w: %s", ErrMissingField, KeyDeviceType)
	case baseName == "":
		return Update{}, fmt.Errorf("%w: %s", ErrMissingField, KeyDeviceName)
	case raw == nil:
		return Update{}, fmt.Errorf("%w: %s", ErrMissingField, KeyWindowTitle)
	}

	status := stringify(raw)
	if status == OfflineSentinel {
		return Update{Action: ActionOffline, BaseName: baseName, Status: status}, nil
	}

	t, ok := TypeFromCode(code)
	if !ok {
		return Update{}, fmt.Errorf("%w: %q", ErrUnsupportedType, code)
	}

	return Update{
		Action:   ActionUpsert,
		Type:     t,
		BaseName: baseName,
		Status:   status,
	}, nil
}

// stringify renders a decoded JSON value as text; nil becomes ""
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
