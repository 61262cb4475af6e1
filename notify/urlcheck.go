package notify

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// dnsCheckTimeout bounds hostname resolution during URL validation.
const dnsCheckTimeout = 5 * time.Second

// Address ranges that never receive webhooks regardless of configuration.
// Link-local space is covered separately; these catch carrier-grade NAT
// (where Alibaba's metadata endpoint lives), the benchmark and TEST-NET
// ranges, and reserved space.
var alwaysBlockedCIDRs = []string{
	"100.64.0.0/10",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"198.18.0.0/15",
	"240.0.0.0/4",
}

var blockedNets []*net.IPNet

func init() {
	for _, cidr := range alwaysBlockedCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid blocked CIDR %q: %v", cidr, err))
		}
		blockedNets = append(blockedNets, ipNet)
	}
}

// ValidateWebhookURL rejects webhook destinations that could reach internal
// infrastructure. Loopback targets need allowLocalhost, RFC 1918 and ULA
// targets need allowPrivate, and link-local space (home of the cloud
// metadata services) is refused unconditionally. Hostnames are resolved and
// every address checked; resolution failure fails closed.
func ValidateWebhookURL(rawURL string, allowLocalhost, allowPrivate bool) error {
	if strings.TrimSpace(rawURL) == "" {
		return fmt.Errorf("webhook URL cannot be empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}

	// Plain http is a development posture and rides the localhost flag.
	switch parsed.Scheme {
	case "https":
	case "http":
		if !allowLocalhost {
			return fmt.Errorf("webhook URL must use https")
		}
	default:
		return fmt.Errorf("webhook URL must use http or https, got %q", parsed.Scheme)
	}

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return fmt.Errorf("webhook URL has no host")
	}

	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") {
		if !allowLocalhost {
			return fmt.Errorf("webhook URL targets localhost")
		}
		return nil
	}

	if ip := net.ParseIP(hostname); ip != nil {
		return checkWebhookIP(ip, allowLocalhost, allowPrivate)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dnsCheckTimeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return fmt.Errorf("cannot resolve webhook host %q: %w", hostname, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("webhook host %q resolved to no addresses", hostname)
	}

	// Every resolved address must pass; a single internal record is enough
	// to turn the hostname into a pivot.
	for _, addr := range addrs {
		if err := checkWebhookIP(addr.IP, allowLocalhost, allowPrivate); err != nil {
			return fmt.Errorf("webhook host %q: %w", hostname, err)
		}
	}
	return nil
}

func checkWebhookIP(ip net.IP, allowLocalhost, allowPrivate bool) error {
	switch {
	case ip.IsLoopback():
		if !allowLocalhost {
			return fmt.Errorf("address %s is loopback", ip)
		}
		return nil
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("address %s is link-local", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("address %s is unspecified", ip)
	case ip.IsMulticast():
		return fmt.Errorf("address %s is multicast", ip)
	case ip.IsPrivate():
		if !allowPrivate {
			return fmt.Errorf("address %s is private", ip)
		}
		return nil
	}

	for _, ipNet := range blockedNets {
		if ipNet.Contains(ip) {
			return fmt.Errorf("address %s is in reserved range %s", ip, ipNet)
		}
	}
	return nil
}
