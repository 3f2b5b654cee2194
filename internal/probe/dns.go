package probe

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DNSProber resolves a name against a specific resolver. Targets take the
// form dns://<resolver>[:port]/<name>.
type DNSProber struct{}

// NewDNSProber returns a DNS prober.
func NewDNSProber() *DNSProber {
	return &DNSProber{}
}

// Probe sends one A query. Any answer, including NXDOMAIN, counts as reachable.
func (p *DNSProber) Probe(ctx context.Context, target string, timeout time.Duration) Outcome {
	server, name, err := parseDNSTarget(target)
	if err != nil {
		return Outcome{Err: err}
	}

	client := &dns.Client{Timeout: timeout}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)

	_, rtt, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Succeeded: true, RTT: rtt}
}

func parseDNSTarget(target string) (string, string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", "", err
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("dns target %q has no resolver", target)
	}
	name := strings.Trim(u.Path, "/")
	if name == "" {
		return "", "", fmt.Errorf("dns target %q has no query name", target)
	}
	server := u.Host
	if u.Port() == "" {
		server = net.JoinHostPort(u.Hostname(), "53")
	}
	return server, name, nil
}
