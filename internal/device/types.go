package device

import (
	"net"
	"strconv"
	"time"
)

// Handle is a live transport bound to a display name.
// Handles are compared by identity; implementations must be pointers.
type Handle interface {
	Send(payload []byte, timeout time.Duration) error
	Close() error
}

// Address is where a report came from. HTTP reports carry port 0.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// AddressFrom converts a net.Addr into an Address
func AddressFrom(addr net.Addr) Address {
	if addr == nil {
		return Address{Host: "-"}
	}
	return ParseAddress(addr.String())
}

// ParseAddress parses host:port; anything unparsable is kept as the host
func ParseAddress(hostport string) Address {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		if hostport == "" {
			hostport = "-"
		}
		return Address{Host: hostport}
	}
	p, _ := strconv.Atoi(port)
	return Address{Host: host, Port: p}
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// StatusRecord is the latest report for one display name
type StatusRecord struct {
	DisplayName string    `json:"display_name"`
	StatusText  string    `json:"status_text"`
	Source      Address   `json:"source"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChangeKind says what happened to a display name
type ChangeKind int

const (
	ChangeUpserted ChangeKind = iota
	ChangeRemoved
)

func (k ChangeKind) String() string {
	if k == ChangeRemoved {
		return "remove"
	}
	return "upsert"
}

// Change describes one registry mutation, delivered to observers after the
// registry lock is released.
type Change struct {
	Kind         ChangeKind
	Record       StatusRecord
	MigratedFrom string // set on the upsert that completed a type migration
	Remaining    int    // registry size after the mutation
}

// Observer receives registry changes. It runs on the mutating goroutine, must
// not block and must not call back into the registry.
type Observer func(Change)
