package controller

import (
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// DNSResolver issues TXT queries against the system's configured
// nameservers.
type DNSResolver struct {
	client  *dns.Client
	servers []string
}

// NewDNSResolver builds a resolver from /etc/resolv.conf
func NewDNSResolver() (*DNSResolver, error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, fmt.Errorf("failed to read resolver config: %w", err)
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, s+":"+conf.Port)
	}
	return &DNSResolver{
		client:  &dns.Client{Timeout: 5 * time.Second},
		servers: servers,
	}, nil
}

// TXT resolves a name's TXT records; each record keeps its own string
// list so the claim check can insist on exactly one of each.
func (r *DNSResolver) TXT(name string) ([][]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.Exchange(m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("txt lookup failed for %s: %s", name, dns.RcodeToString[in.Rcode])
		}
		var records [][]string
		for _, rr := range in.Answer {
			if txt, ok := rr.(*dns.TXT); ok {
				records = append(records, txt.Txt)
			}
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("no TXT records for %s", name)
		}
		return records, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no nameservers configured")
	}
	return nil, fmt.Errorf("txt lookup failed for %s: %w", name, lastErr)
}
