// Package identity resolves BTPS identities (username$domain) to inbox
// endpoints and selector-keyed public keys over DNS TXT records,
// generalizing the DNS lookup shape boulder's va package uses for
// dns-01/dns-account-01 challenge validation (va/dns.go's
// LookupTXT/LookupHost calls through a pluggable resolver) to BTPS's own
// record layout (spec section 6).
package identity

import (
	"regexp"
	"strings"

	"github.com/openbtps/btps-node-sub001/berrors"
)

var identityPattern = regexp.MustCompile(`^\S+\$\S+\.\S+$`)

// Identity is a parsed username$domain address.
type Identity struct {
	Raw      string
	Username string
	Domain   string
}

// Parse validates and splits raw into an Identity.
func Parse(raw string) (Identity, error) {
	if !identityPattern.MatchString(raw) {
		return Identity{}, berrors.IdentityError("malformed identity %q", raw)
	}
	idx := strings.LastIndex(raw, "$")
	if idx < 0 {
		return Identity{}, berrors.IdentityError("malformed identity %q", raw)
	}
	return Identity{
		Raw:      raw,
		Username: raw[:idx],
		Domain:   raw[idx+1:],
	}, nil
}

func (i Identity) String() string { return i.Raw }

// KeyRecordName is the DNS name a selector's public key TXT record is
// published at: <selector>._btp.<username>.<domain>.
func (i Identity) KeyRecordName(selector string) string {
	return selector + "._btp." + i.Username + "." + i.Domain
}

// HostRecordName is the DNS name a domain's inbox host TXT record is
// published at: _btps.<domain>.
func (i Identity) HostRecordName() string {
	return "_btps." + i.Domain
}
