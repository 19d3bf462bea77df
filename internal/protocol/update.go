package protocol

import (
	"errors"
	"strings"
)

var (
	// ErrMalformedFrame is returned for TCP chunks that are not a NewForm frame
	ErrMalformedFrame = errors.New("protocol: malformed frame")

	// ErrUnsupportedType is returned for device type codes other than 1 and 2
	ErrUnsupportedType = errors.New("protocol: unsupported device type")

	// ErrMissingField is returned when a report lacks a required field
	ErrMissingField = errors.New("protocol: missing required field")

	// ErrInvalidBody is returned when a report body is not a JSON object
	ErrInvalidBody = errors.New("protocol: invalid request body")
)

// Action tells the registry what an update asks for
type Action int

const (
	ActionUpsert Action = iota
	ActionOffline
)

func (a Action) String() string {
	if a == ActionOffline {
		return "offline"
	}
	return "upsert"
}

// Update is a normalized status report from either ingestion path
type Update struct {
	Action   Action
	Type     DeviceType // TypeUnknown for offline updates
	BaseName string
	Status   string
}

// DisplayName returns the registry key the update targets
func (u Update) DisplayName() string {
	return DisplayName(u.Type, u.BaseName)
}

// EncodeMessage builds the frame written to a device for an operator message
func EncodeMessage(sender, body string) []byte {
	return []byte(strings.Join([]string{MessagePrefix, sender, body}, MessageDelimiter))
}
