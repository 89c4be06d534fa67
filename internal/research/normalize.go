package research

import (
	"strings"
)

// freeMailDomains are consumer mailbox providers that say nothing about
// the attendee's employer.
var freeMailDomains = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
	"yahoo.com":      true,
	"hotmail.com":    true,
	"outlook.com":    true,
	"live.com":       true,
	"icloud.com":     true,
	"me.com":         true,
	"aol.com":        true,
	"proton.me":      true,
	"protonmail.com": true,
	"gmx.com":        true,
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeDomain lowercases a domain and strips scheme, path and a leading "www.".
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	d = strings.TrimSuffix(d, ".")
	return strings.TrimPrefix(d, "www.")
}

// SplitEmail splits an address into local part and normalized domain.
func SplitEmail(email string) (local, domain string, ok bool) {
	e := NormalizeEmail(email)
	if strings.Count(e, "@") != 1 {
		return "", "", false
	}
	local, domain, _ = strings.Cut(e, "@")
	if local == "" || domain == "" || !strings.Contains(domain, ".") {
		return "", "", false
	}
	return local, NormalizeDomain(domain), true
}

// IsFreeMail reports whether domain is a consumer mailbox provider.
func IsFreeMail(domain string) bool {
	return freeMailDomains[NormalizeDomain(domain)]
}

// ResolveCompanyDomain picks the company domain to research for p.
// Order: the domain given on the request, the domain the prospect lookup
// discovered, then the email domain unless it is a free-mail provider.
// It returns "" when nothing is resolvable.
func ResolveCompanyDomain(p Prospect, fromLookup string) string {
	if p.CompanyDomain != nil {
		if d := NormalizeDomain(*p.CompanyDomain); d != "" {
			return d
		}
	}
	if d := NormalizeDomain(fromLookup); d != "" {
		return d
	}
	if _, d, ok := SplitEmail(p.Email); ok && !IsFreeMail(d) {
		return d
	}
	return ""
}
