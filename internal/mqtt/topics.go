package mqtt

import (
	"strings"

	"github.com/virelyx258/rstatus-server/internal/protocol"
)

// Topics builds topic names under a configurable prefix
//
//	<prefix>/devices/<type>/<baseName>  retained device state, empty when gone
//	<prefix>/status                     retained online|offline presence
//	<prefix>/server                     retained server availability (LWT)
type Topics struct {
	Prefix string
}

// Device returns the state topic of one device
func (t Topics) Device(typ protocol.DeviceType, baseName string) string {
	return t.join("devices", typ.String(), sanitize(baseName))
}

// Status returns the aggregate presence topic
func (t Topics) Status() string {
	return t.join("status")
}

// Server returns the server availability topic
func (t Topics) Server() string {
	return t.join("server")
}

func (t Topics) join(parts ...string) string {
	prefix := strings.Trim(t.Prefix, "/")
	if prefix == "" {
		return strings.Join(parts, "/")
	}
	return prefix + "/" + strings.Join(parts, "/")
}

// sanitize makes a base name usable as a single topic level. Wildcards and
// separators become '_'.
func sanitize(name string) string {
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, name)
}
