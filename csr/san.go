package csr

import (
	"crypto/x509"
	"net"
	"strings"

	"github.com/jmcleod/certsmith/certerr"
)

// SANKind is the closed set of subject alternative name types.
type SANKind int

const (
	KindDNS SANKind = iota + 1
	KindIP
	KindEmail
)

func (k SANKind) String() string {
	switch k {
	case KindDNS:
		return "DNS"
	case KindIP:
		return "IP"
	case KindEmail:
		return "EMAIL"
	default:
		return "UNKNOWN"
	}
}

const maxDNSLength = 253

// SAN is one subject alternative name. The zero value is invalid; build
// values with ParseSAN or the DNS, IP and Email constructors.
type SAN struct {
	kind  SANKind
	value string
}

// DNS returns a DNS SAN without validating it.
func DNS(name string) SAN { return SAN{kind: KindDNS, value: name} }

// IP returns an IP SAN without validating it.
func IP(addr string) SAN { return SAN{kind: KindIP, value: addr} }

// Email returns an EMAIL SAN without validating it.
func Email(addr string) SAN { return SAN{kind: KindEmail, value: addr} }

func (s SAN) Kind() SANKind { return s.kind }
func (s SAN) Value() string { return s.value }
func (s SAN) IsZero() bool  { return s.kind == 0 }

// String renders the SAN in TYPE:value form, which ParseSAN accepts.
func (s SAN) String() string {
	return s.kind.String() + ":" + s.value
}

// ParseSAN parses a single TYPE:value token. The tag is case-insensitive.
func ParseSAN(text string) (SAN, error) {
	invalid := func() (SAN, error) {
		return SAN{}, certerr.WithDetail(certerr.InvalidSanFormat, "csr.ParseSAN", text)
	}

	tag, value, ok := strings.Cut(strings.TrimSpace(text), ":")
	if !ok || value == "" {
		return invalid()
	}

	switch strings.ToUpper(tag) {
	case "DNS":
		if !validDNSName(value, true) {
			return invalid()
		}
		return DNS(value), nil
	case "IP":
		if !validIP(value) {
			return invalid()
		}
		return IP(value), nil
	case "EMAIL":
		if !validEmail(value) {
			return invalid()
		}
		return Email(value), nil
	default:
		return invalid()
	}
}

// ParseSANList parses a comma-separated list of SAN tokens. Empty tokens are
// skipped and duplicates removed, keeping the first occurrence.
func ParseSANList(text string) ([]SAN, error) {
	return ParseSANs([]string{text})
}

// ParseSANs parses each input, where every input may itself be a
// comma-separated list, as happens with repeated CLI flags.
func ParseSANs(inputs []string) ([]SAN, error) {
	var out []SAN
	for _, in := range inputs {
		for _, tok := range strings.Split(in, ",") {
			if strings.TrimSpace(tok) == "" {
				continue
			}
			s, err := ParseSAN(tok)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
	}
	return Dedupe(out), nil
}

// Dedupe removes repeated SANs while preserving order. DNS names and email
// addresses compare case-insensitively and IPs by address.
func Dedupe(sans []SAN) []SAN {
	seen := make(map[string]struct{}, len(sans))
	out := make([]SAN, 0, len(sans))
	for _, s := range sans {
		k := s.canonical()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out
}

func (s SAN) canonical() string {
	switch s.kind {
	case KindIP:
		if ip := net.ParseIP(s.value); ip != nil {
			return "IP:" + ip.String()
		}
	case KindDNS, KindEmail:
		return s.kind.String() + ":" + strings.ToLower(s.value)
	}
	return s.String()
}

// Apply splits sans into the fields x509 templates carry them in.
func Apply(sans []SAN) (dnsNames []string, ips []net.IP, emails []string) {
	for _, s := range sans {
		switch s.kind {
		case KindDNS:
			dnsNames = append(dnsNames, s.value)
		case KindIP:
			if ip := net.ParseIP(s.value); ip != nil {
				ips = append(ips, ip)
			}
		case KindEmail:
			emails = append(emails, s.value)
		}
	}
	return dnsNames, ips, emails
}

// FromRequest returns the SANs carried by a parsed CSR.
func FromRequest(req *x509.CertificateRequest) []SAN {
	return collect(req.DNSNames, req.IPAddresses, req.EmailAddresses)
}

// CheckRequest returns the SANs carried by req after running each through
// ParseSAN. The first one outside the SAN grammar gives InvalidSanFormat.
func CheckRequest(req *x509.CertificateRequest) ([]SAN, error) {
	sans := FromRequest(req)
	for i, s := range sans {
		checked, err := ParseSAN(s.String())
		if err != nil {
			return nil, err
		}
		sans[i] = checked
	}
	return sans, nil
}

// FromCertificate returns the SANs carried by a certificate.
func FromCertificate(cert *x509.Certificate) []SAN {
	return collect(cert.DNSNames, cert.IPAddresses, cert.EmailAddresses)
}

func collect(dnsNames []string, ips []net.IP, emails []string) []SAN {
	out := make([]SAN, 0, len(dnsNames)+len(ips)+len(emails))
	for _, d := range dnsNames {
		out = append(out, DNS(d))
	}
	for _, ip := range ips {
		out = append(out, IP(ip.String()))
	}
	for _, e := range emails {
		out = append(out, Email(e))
	}
	return out
}

// Strings renders sans in TYPE:value form.
func Strings(sans []SAN) []string {
	out := make([]string, len(sans))
	for i, s := range sans {
		out[i] = s.String()
	}
	return out
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func validDNSName(name string, allowWildcard bool) bool {
	if name == "" || len(name) > maxDNSLength {
		return false
	}
	if allowWildcard && strings.HasPrefix(name, "*.") {
		name = name[2:]
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			default:
				return false
			}
		}
	}
	return true
}

func validIP(addr string) bool {
	if strings.Contains(addr, "%") {
		return false
	}
	return net.ParseIP(addr) != nil
}

func validEmail(addr string) bool {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return false
	}
	local, domain := addr[:at], addr[at+1:]
	if strings.ContainsAny(local, " \t\r\n,<>@") {
		return false
	}
	return strings.Contains(domain, ".") && validDNSName(domain, false)
}
