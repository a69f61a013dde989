// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package smtpout

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver answers MX lookups for recipient domains.
type Resolver struct {
	client      *dns.Client
	nameservers []string
}

// NewResolver creates an MX resolver using the system nameservers
// from /etc/resolv.conf, falling back to public DNS.
func NewResolver() *Resolver {
	return &Resolver{
		client:      &dns.Client{Timeout: 5 * time.Second},
		nameservers: systemNameservers(),
	}
}

func systemNameservers() []string {
	config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	servers := make([]string, 0, len(config.Servers))
	for _, server := range config.Servers {
		if !strings.Contains(server, ":") {
			server += ":53"
		}
		servers = append(servers, server)
	}
	return servers
}

// LookupMX returns the domain's mail hosts ordered by preference. A
// domain with no MX records falls back to the domain itself, per RFC
// 5321 §5.1.
func (r *Resolver) LookupMX(ctx context.Context, domain string) ([]string, error) {
	message := new(dns.Msg)
	message.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	message.RecursionDesired = true

	var lastErr error
	for _, server := range r.nameservers {
		response, _, err := r.client.ExchangeContext(ctx, message, server)
		if err != nil {
			lastErr = fmt.Errorf("smtpout: mx query for %s via %s: %w", domain, server, err)
			continue
		}
		if response.Rcode == dns.RcodeNameError {
			return nil, fmt.Errorf("smtpout: no such domain %s", domain)
		}
		if response.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("smtpout: mx query for %s: rcode %d", domain, response.Rcode)
			continue
		}

		type mxRecord struct {
			host       string
			preference uint16
		}
		var records []mxRecord
		for _, answer := range response.Answer {
			if mx, ok := answer.(*dns.MX); ok {
				records = append(records, mxRecord{
					host:       strings.TrimSuffix(mx.Mx, "."),
					preference: mx.Preference,
				})
			}
		}
		if len(records) == 0 {
			return []string{domain}, nil
		}
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].preference < records[j].preference
		})
		hosts := make([]string, len(records))
		for i, record := range records {
			hosts[i] = record.host
		}
		return hosts, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("smtpout: no nameservers for %s", domain)
	}
	return nil, lastErr
}
