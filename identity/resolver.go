package identity

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"github.com/openbtps/btps-node-sub001/berrors"
	"github.com/openbtps/btps-node-sub001/blog"
)

// HostEndpoint is the result of resolveHost: an inbox address plus the
// selector the host currently advertises.
type HostEndpoint struct {
	Host     string
	Port     int
	Selector string
}

// cacheEntry pairs a cached value with the deadline it must be
// revalidated by, per spec 4.1 "cached for the record TTL; entries must
// be revalidated after TTL expiry".
type cacheEntry[T any] struct {
	value   T
	expires time.Time
}

// Resolver implements C1: resolveHost and resolvePublicKey. DNS queries
// fan in through a singleflight.Group (spec section 9: "use a
// single-flight pattern so that N concurrent verifications for the same
// (identity, selector) issue at most one DNS query") and results are
// cached in a read-mostly LRU, the same "single-writer refresh" shape
// boulder's va package gets for free from net.Resolver's internal cache
// but BTPS must build explicitly since it talks raw TXT records via
// miekg/dns instead of net.LookupTXT.
type Resolver struct {
	client     *dns.Client
	nameserver string
	log        blog.Logger

	group      singleflight.Group
	hostCache  *lru.Cache[string, cacheEntry[HostEndpoint]]
	keyCache   *lru.Cache[string, cacheEntry[KeyRecord]]
	defaultTTL time.Duration
}

// NewResolver builds a Resolver that queries nameserver (host:port)
// directly, the way boulder's bdns client is pointed at a specific
// recursive resolver rather than relying on the OS resolver.
func NewResolver(nameserver string, log blog.Logger) (*Resolver, error) {
	hostCache, err := lru.New[string, cacheEntry[HostEndpoint]](4096)
	if err != nil {
		return nil, err
	}
	keyCache, err := lru.New[string, cacheEntry[KeyRecord]](4096)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		client:     &dns.Client{Timeout: 5 * time.Second},
		nameserver: nameserver,
		log:        log,
		hostCache:  hostCache,
		keyCache:   keyCache,
		defaultTTL: 5 * time.Minute,
	}, nil
}

// ResolveHost locates the inbox endpoint and current selector for
// identity's domain via its _btps.<domain> TXT record.
func (r *Resolver) ResolveHost(ctx context.Context, id Identity) (HostEndpoint, error) {
	name := id.HostRecordName()
	if entry, ok := r.hostCache.Get(name); ok && time.Now().Before(entry.expires) {
		return entry.value, nil
	}

	v, err, _ := r.group.Do("host:"+name, func() (interface{}, error) {
		txts, ttl, err := r.lookupTXT(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, txt := range txts {
			rec, ok, perr := ParseHostRecord(txt)
			if perr != nil {
				return nil, perr
			}
			if !ok {
				continue
			}
			ep := HostEndpoint{Host: rec.Host, Port: rec.Port, Selector: rec.CurrentSelector}
			r.hostCache.Add(name, cacheEntry[HostEndpoint]{value: ep, expires: time.Now().Add(r.ttlOrDefault(ttl))})
			return ep, nil
		}
		return nil, berrors.ResolveDNSError("no BTP1 host record found at %s", name)
	})
	if err != nil {
		return HostEndpoint{}, err
	}
	return v.(HostEndpoint), nil
}

// ResolvePublicKey fetches the PEM public key published under the given
// selector for identity. Verification always uses the artifact's
// selector, never the current one (spec section 4.1 "why selectors"),
// which is why selector is a required parameter here rather than
// implied by ResolveHost's result.
func (r *Resolver) ResolvePublicKey(ctx context.Context, id Identity, selector string) ([]byte, error) {
	if selector == "" {
		return nil, berrors.SelectorNotFoundError("selector is required to resolve %s's public key", id)
	}
	name := id.KeyRecordName(selector)
	if entry, ok := r.keyCache.Get(name); ok && time.Now().Before(entry.expires) {
		return derToPEM(entry.value)
	}

	v, err, _ := r.group.Do("key:"+name, func() (interface{}, error) {
		txts, ttl, err := r.lookupTXT(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, txt := range txts {
			rec, ok, perr := ParseKeyRecord(txt)
			if perr != nil {
				return nil, perr
			}
			if !ok {
				continue
			}
			r.keyCache.Add(name, cacheEntry[KeyRecord]{value: rec, expires: time.Now().Add(r.ttlOrDefault(ttl))})
			return rec, nil
		}
		return nil, berrors.SelectorNotFoundError("selector %q not found for %s", selector, id)
	})
	if err != nil {
		return nil, err
	}
	return derToPEM(v.(KeyRecord))
}

// derToPEM wraps the raw bytes published in a p= field back into a PEM
// block so the rest of BTPS (crypto, caches, logs) only ever handles PEM,
// per DESIGN.md's resolution of the publicKeyBase64-vs-PEM open question:
// PEM internally, base64 only at the wire/storage boundary.
func derToPEM(rec KeyRecord) ([]byte, error) {
	if _, err := x509.ParsePKIXPublicKey(rec.PublicKey); err != nil {
		// Some publishers may already be publishing PEM-in-base64; try
		// that before giving up.
		if block, _ := pem.Decode(rec.PublicKey); block != nil {
			return rec.PublicKey, nil
		}
		return nil, berrors.ResolvePubkeyError("published key is not a valid SPKI public key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: rec.PublicKey}), nil
}

func (r *Resolver) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return r.defaultTTL
	}
	return ttl
}

func (r *Resolver) lookupTXT(ctx context.Context, name string) ([]string, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	in, _, err := r.client.ExchangeContext(ctx, msg, r.nameserver)
	if err != nil {
		return nil, 0, berrors.Wrap(berrors.ResolveDNS, err, "TXT lookup for %s failed", name)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, 0, berrors.ResolveDNSError("TXT lookup for %s returned rcode %s", name, dns.RcodeToString[in.Rcode])
	}
	var out []string
	var minTTL time.Duration
	for _, rr := range in.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		joined := ""
		for _, s := range txt.Txt {
			joined += s
		}
		out = append(out, joined)
		ttl := time.Duration(txt.Hdr.Ttl) * time.Second
		if minTTL == 0 || ttl < minTTL {
			minTTL = ttl
		}
	}
	if len(out) == 0 {
		return nil, 0, berrors.ResolveDNSError("no TXT records found at %s", name)
	}
	return out, minTTL, nil
}

// Fingerprint computes base64(sha256(SPKI DER)) of a PEM public key, the
// same value the signature block's fingerprint field and the trust
// record's publicKeyFingerprint carry.
func Fingerprint(pemBytes []byte) (string, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return "", berrors.ResolvePubkeyError("not a valid PEM public key")
	}
	sum := sha256.Sum256(block.Bytes)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}
