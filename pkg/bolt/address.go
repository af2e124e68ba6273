package bolt

import (
	"fmt"
	"net"
	"strconv"
)

// DefaultPort is the standard Bolt port.
const DefaultPort = 7687

// Address is a logical host and port. It is an immutable value; resolution
// to concrete socket endpoints is the resolver's business.
type Address struct {
	Host string
	Port int
}

// ParseAddress parses "host", "host:port" or "[v6]:port", falling back to
// DefaultPort when no port is given.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port component.
		return Address{Host: s, Port: DefaultPort}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Address{}, fmt.Errorf("bolt: invalid port in address %q", s)
	}
	return Address{Host: host, Port: port}, nil
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
