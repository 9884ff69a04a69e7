package detect

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// NormalizeURL standardizes a URL so duplicates compare equal.
// It lowercases the scheme and host, removes default ports and fragments,
// and sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// RegistrableDomain returns the TLD+1 for a URL or bare hostname.
func RegistrableDomain(raw string) (string, error) {
	host := hostOf(raw)
	etld, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", fmt.Errorf("registrable domain of %q: %w", host, err)
	}
	return etld, nil
}

// SameRegistrableDomain reports whether two URLs share a TLD+1. IP
// literals and single-label hosts have no registrable domain; those are
// compared as exact hosts instead.
func SameRegistrableDomain(a, b string) bool {
	da, errA := RegistrableDomain(a)
	db, errB := RegistrableDomain(b)
	if errA == nil && errB == nil {
		return da == db
	}
	ha, hb := hostOf(a), hostOf(b)
	return ha != "" && ha == hb
}

func hostOf(raw string) string {
	host := raw
	if strings.Contains(raw, "/") || strings.Contains(raw, ":") {
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// PriorityOf scores a URL or path against the configured rules. The
// highest-scoring matching rule wins; no match yields score 0. Rules with
// invalid regexes are skipped.
func PriorityOf(raw string, rules []PriorityRule) Priority {
	best := Priority{}
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Regex)
		if err != nil {
			continue
		}
		if re.MatchString(raw) && rule.Score > best.Score {
			best = Priority{Score: rule.Score, Rule: rule.Regex}
		}
	}
	return best
}

// DomainDirName maps a domain to the directory name the external crawler
// uses for its flow output ("www.example.com" -> "www_example_com").
func DomainDirName(domain string) string {
	return strings.ReplaceAll(domain, ".", "_")
}
