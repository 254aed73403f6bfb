package resolver

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// DNSResolver answers domain-name CONNECT requests with an A lookup
// against a fixed server, so the modem only ever sees IP literals.
// When no resolver is configured the relay passes hostnames through
// and the modem's own stack resolves them.
type DNSResolver struct {
	server string
	client *dns.Client
}

func New(server string, timeout time.Duration) *DNSResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Timeout: timeout},
	}
}

// Resolve returns the first A record for host. IP literals short-
// circuit without a query.
func (r *DNSResolver) Resolve(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	in, _, err := r.client.Exchange(msg, r.server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ans := range in.Answer {
		if a, ok := ans.(*dns.A); ok {
			return a.A, nil
		}
	}
	return nil, fmt.Errorf("resolve %s: no A records", host)
}
