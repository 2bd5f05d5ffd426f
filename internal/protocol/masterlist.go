package protocol

import (
	"bufio"
	"net"
	"strconv"
	"strings"
)

// Address is a UDP endpoint to probe.
type Address struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (a Address) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// UDPAddr converts the address for use with a UDP socket.
func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(a.IP), Port: a.Port}
}

// ParseAddress parses an "ip:port" pair. Host names are rejected.
func ParseAddress(s string) (Address, bool) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Address{}, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Address{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Address{}, false
	}
	return Address{IP: ip.String(), Port: port}, true
}

// ParseMasterList parses a directory listing with one ip:port per line.
// Lines may end in CRLF or LF; anything that is not a valid address is
// skipped.
func ParseMasterList(body string) []Address {
	var out []Address
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if addr, ok := ParseAddress(line); ok {
			out = append(out, addr)
		}
	}
	return out
}

// Dedupe removes repeated addresses, keeping first occurrences in order.
func Dedupe(addrs []Address) []Address {
	seen := make(map[Address]struct{}, len(addrs))
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
