package identity

import (
	"encoding/base64"
	"strings"

	"github.com/openbtps/btps-node-sub001/berrors"
)

// KeyType enumerates the public-key algorithms a TXT key record may
// advertise.
type KeyType string

const (
	KeyTypeRSA     KeyType = "rsa"
	KeyTypeEd25519 KeyType = "ed25519"
	KeyTypeECDSA   KeyType = "ecdsa"
)

// HostRecord is the parsed form of a _btps.<domain> TXT record:
// "v=BTP1; u=btps://host:port; s=<currentSelector>".
type HostRecord struct {
	Host            string
	Port            int
	CurrentSelector string
}

// KeyRecord is the parsed form of a <selector>._btp.<user>.<domain> TXT
// record: "v=BTP1; k=<kty>; p=<base64Key>; u=<https-url>".
type KeyRecord struct {
	KeyType   KeyType
	PublicKey []byte // DER or PEM bytes decoded from the p= field, see ParseKeyRecord
	InfoURL   string
}

// parseFields splits a TXT record body on ';' into a key=value map,
// trimming whitespace, tolerating boulder-style "k=v; k2=v2" spacing.
func parseFields(txt string) map[string]string {
	fields := make(map[string]string)
	for _, part := range strings.Split(txt, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		fields[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return fields
}

// ParseHostRecord parses a _btps.<domain> TXT record body. Unknown tokens
// are ignored per spec section 4.1; a record whose v is not BTP1 yields
// (HostRecord{}, false, nil) — "undefined", not an error.
func ParseHostRecord(txt string) (HostRecord, bool, error) {
	fields := parseFields(txt)
	if fields["v"] != "BTP1" {
		return HostRecord{}, false, nil
	}
	u, ok := fields["u"]
	if !ok {
		return HostRecord{}, false, berrors.ResolveDNSError("host record missing u= field")
	}
	host, port, err := splitBTPSURL(u)
	if err != nil {
		return HostRecord{}, false, berrors.ResolveDNSError("host record has malformed u= field: %v", err)
	}
	return HostRecord{Host: host, Port: port, CurrentSelector: fields["s"]}, true, nil
}

// ParseKeyRecord parses a <selector>._btp.<user>.<domain> TXT record
// body. Unknown tokens are ignored; a non-BTP1 version yields
// (KeyRecord{}, false, nil).
func ParseKeyRecord(txt string) (KeyRecord, bool, error) {
	fields := parseFields(txt)
	if fields["v"] != "BTP1" {
		return KeyRecord{}, false, nil
	}
	kt, ok := fields["k"]
	if !ok {
		return KeyRecord{}, false, berrors.ResolvePubkeyError("key record missing k= field")
	}
	switch KeyType(kt) {
	case KeyTypeRSA, KeyTypeEd25519, KeyTypeECDSA:
	default:
		return KeyRecord{}, false, berrors.ResolvePubkeyError("key record has unsupported key type %q", kt)
	}
	p, ok := fields["p"]
	if !ok {
		return KeyRecord{}, false, berrors.ResolvePubkeyError("key record missing p= field")
	}
	raw, err := base64.StdEncoding.DecodeString(p)
	if err != nil {
		return KeyRecord{}, false, berrors.ResolvePubkeyError("key record has malformed p= field: %v", err)
	}
	return KeyRecord{KeyType: KeyType(kt), PublicKey: raw, InfoURL: fields["u"]}, true, nil
}

func splitBTPSURL(u string) (string, int, error) {
	const scheme = "btps://"
	if !strings.HasPrefix(u, scheme) {
		return "", 0, berrors.ResolveDNSError("u= field %q missing btps:// scheme", u)
	}
	hostport := strings.TrimPrefix(u, scheme)
	hostport = strings.TrimSuffix(hostport, "/")
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return hostport, 3443, nil
	}
	host := hostport[:idx]
	port := 0
	for _, c := range hostport[idx+1:] {
		if c < '0' || c > '9' {
			return "", 0, berrors.ResolveDNSError("u= field %q has non-numeric port", u)
		}
		port = port*10 + int(c-'0')
	}
	return host, port, nil
}
