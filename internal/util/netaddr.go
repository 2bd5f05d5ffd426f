package util

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var privateRanges = mustParseCIDRs("10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "100.64.0.0/10")

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// IsPrivateIP reports whether ip is loopback, link-local, RFC1918 or CGNAT.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return true
	}
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// PublicIPServices are queried in order by DetectPublicIP.
var PublicIPServices = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
}

// DetectPublicIP fetches this machine's external IPv4 address from a
// plain-text echo service. It returns nil when every service fails.
func DetectPublicIP(ctx context.Context, services []string) net.IP {
	client := &http.Client{Timeout: 5 * time.Second}

	for _, u := range services {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			log.Debug().Err(err).Str("url", u).Msg("public IP fetch failed")
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			continue
		}

		if ip := net.ParseIP(strings.TrimSpace(string(body))); ip != nil && ip.To4() != nil {
			return ip.To4()
		}
	}
	return nil
}

// ClientIP strips an IPv4-mapped IPv6 prefix such as "::ffff:1.2.3.4".
func ClientIP(addr string) string {
	if ip := net.ParseIP(addr); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}
	return addr
}
