// Package privacy masks subjects and client addresses before they reach logs.
package privacy

import (
	"net/netip"
	"strings"
)

// MaskEmail keeps the first rune of the local part and the whole domain:
// "maria@example.com" becomes "m***@example.com".
func MaskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	local, domain := email[:at], email[at+1:]
	first := []rune(local)[0]
	return string(first) + "***@" + domain
}

// MaskPhone keeps the leading country block and the last three digits:
// "+15551234567" becomes "+1555****567".
func MaskPhone(phone string) string {
	if len(phone) < 8 {
		return "****"
	}
	return phone[:5] + "****" + phone[len(phone)-3:]
}

// MaskSubject picks the masking rule by shape.
func MaskSubject(subject string) string {
	if strings.Contains(subject, "@") {
		return MaskEmail(subject)
	}
	return MaskPhone(subject)
}

// AnonymizeIP truncates IPv4 to its /24 and IPv6 to its /48.
// Returns "unknown" for empty input and "invalid" when unparseable.
func AnonymizeIP(ip string) string {
	if ip == "" || ip == "unknown" {
		return "unknown"
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "invalid"
	}
	addr = addr.Unmap()
	bits := 48
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "invalid"
	}
	return prefix.Addr().String()
}
