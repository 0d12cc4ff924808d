package models

import (
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/dlclark/regexp2"
)

// MatchInterface reports whether name matches an interface pattern such
// as "eth*" or "!eth0". A leading "!" negates the pattern.
func MatchInterface(pattern, name string) bool {
	if neg, ok := strings.CutPrefix(pattern, "!"); ok {
		return !wildcard.Match(neg, name)
	}
	return wildcard.Match(pattern, name)
}

// labels may not start or end with a hyphen and the name may not be all
// numeric
var hostnameRe = regexp2.MustCompile(`^(?![0-9]+$)(?!-)[a-zA-Z0-9-]{1,63}(?<!-)(\.(?!-)[a-zA-Z0-9-]{1,63}(?<!-))*\.?$`, regexp2.None)

// ValidHostname checks a DNS name, wildcards excluded.
func ValidHostname(name string) bool {
	if len(name) == 0 || len(name) > 253 {
		return false
	}
	ok, err := hostnameRe.MatchString(name)
	return err == nil && ok
}

// ValidDomainPattern allows a single leading "*." or "@" on top of a hostname.
func ValidDomainPattern(name string) bool {
	if name == "@" || name == "all" {
		return true
	}
	return ValidHostname(strings.TrimPrefix(name, "*."))
}
