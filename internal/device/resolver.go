package device

import (
	"slices"
	"strings"

	"github.com/virelyx258/rstatus-server/internal/protocol"
)

// Resolution is the outcome of conflict resolution for one update
type Resolution struct {
	DisplayName  string
	MigratedFrom string // empty when no entry moved
}

// Resolve picks the key an update is stored under and whether an existing
// entry reported under another device type has to move to it.
//
// The same base name under another type prefix is migrated first. Failing
// that, an existing key belongs to baseName when it contains baseName, which
// is looser than equality: "PC1" also matches "💻PC10". Existing clients
// depend on it, so the rule lives in matchesBaseName only. Matches that
// already carry the new type are skipped.
func Resolve(existing []string, baseName string, newType protocol.DeviceType) Resolution {
	target := protocol.DisplayName(newType, baseName)
	res := Resolution{DisplayName: target}

	if slices.Contains(existing, target) {
		return res
	}

	for _, t := range knownTypes {
		if t == newType {
			continue
		}
		if key := protocol.DisplayName(t, baseName); slices.Contains(existing, key) {
			res.MigratedFrom = key
			return res
		}
	}

	keys := slices.Clone(existing)
	slices.Sort(keys)
	for _, key := range keys {
		if !matchesBaseName(key, baseName) {
			continue
		}
		if t, _ := protocol.ClassifyDisplayName(key); t != newType {
			res.MigratedFrom = key
			return res
		}
	}
	return res
}

var knownTypes = []protocol.DeviceType{protocol.TypeMobile, protocol.TypePC}

func matchesBaseName(key, baseName string) bool {
	return strings.Contains(key, baseName)
}
