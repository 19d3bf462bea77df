package protocol

import "strings"

// DeviceType classifies a reporting device
type DeviceType int

const (
	TypeUnknown DeviceType = iota
	TypeMobile
	TypePC
)

// TypeFromCode maps a wire code to a device type
func TypeFromCode(code string) (DeviceType, bool) {
	switch code {
	case CodeMobile:
		return TypeMobile, true
	case CodePC:
		return TypePC, true
	default:
		return TypeUnknown, false
	}
}

func (t DeviceType) String() string {
	switch t {
	case TypeMobile:
		return "mobile"
	case TypePC:
		return "pc"
	default:
		return "unknown"
	}
}

// Prefix returns the presentation prefix for the type, empty for unknown
func (t DeviceType) Prefix() string {
	switch t {
	case TypeMobile:
		return PrefixMobile
	case TypePC:
		return PrefixPC
	default:
		return ""
	}
}

// DisplayName builds the registry key for a device
func DisplayName(t DeviceType, baseName string) string {
	return t.Prefix() + baseName
}

// ClassifyDisplayName splits a display name into its type and base name.
// Names without a known prefix are returned whole as TypeUnknown.
func ClassifyDisplayName(name string) (DeviceType, string) {
	for _, t := range []DeviceType{TypeMobile, TypePC} {
		if rest, ok := strings.CutPrefix(name, t.Prefix()); ok {
			return t, rest
		}
	}
	return TypeUnknown, name
}
