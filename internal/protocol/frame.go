package protocol

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ParseFrame parses one TCP chunk as a status frame.
//
// A chunk is exactly one frame; bytes belonging to a following frame make the
// field count wrong and the whole chunk is rejected. The offline sentinel is
// checked before the type code, so an offline frame never fails on its type.
func ParseFrame(data []byte) (Update, error) {
	if !utf8.Valid(data) {
		return Update{}, fmt.Errorf("%w: invalid utf-8", ErrMalformedFrame)
	}

	text := string(data)
	if !strings.HasPrefix(text, FramePrefix+FrameDelimiter) {
		return Update{}, fmt.Errorf("%w: missing %s prefix", ErrMalformedFrame, FramePrefix)
	}

	parts := strings.Split(text, FrameDelimiter)
	if len(parts) != FrameFields {
		return Update{}, fmt.Errorf("%w: expected %d fields, got %d", ErrMalformedFrame, FrameFields, len(parts))
	}

	code, baseName, status := parts[1], parts[2], parts[3]
	if baseName == "" {
		return Update{}, fmt.Errorf("%w: empty device name", ErrMalformedFrame)
	}

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
