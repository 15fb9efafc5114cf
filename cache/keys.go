package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// KeyBuilder turns a caller-supplied key into the canonical key string
// stored in a backend.
//
// Contract:
//   - Determinism: the same inputs always produce the same key, regardless
//     of map iteration order.
//   - Concurrency: implementations must be safe for concurrent use.
type KeyBuilder interface {
	// Build returns the canonical key for (namespace, key).
	Build(namespace, key string) string

	// FromCall derives a key from a call site: an identifier plus its
	// positional and named arguments.
	FromCall(namespace, ident string, args []any, kwargs map[string]any) (string, error)
}

// Keys is the default key builder. Keys have the shape
//
//	{prefix}v{version}:{namespace}:{key}
//
// with the version segment omitted when Version is zero. Incrementing
// Version makes every previously built key invisible without a delete pass;
// the unreachable keys are left to expire naturally.
//
// Known limitation: raw keys containing the ':' separator can collide with
// keys from other namespaces crafted to produce the same string.
type Keys struct {
	Prefix  string
	Version int
}

var _ KeyBuilder = (*Keys)(nil)

func (k *Keys) Build(namespace, key string) string {
	var b strings.Builder
	b.WriteString(k.Prefix)
	if k.Version > 0 {
		b.WriteByte('v')
		b.WriteString(strconv.Itoa(k.Version))
		b.WriteByte(':')
	}
	b.WriteString(namespace)
	b.WriteByte(':')
	b.WriteString(key)
	return b.String()
}

func (k *Keys) FromCall(namespace, ident string, args []any, kwargs map[string]any) (string, error) {
	raw, err := encodeCall(ident, args, kwargs)
	if err != nil {
		return "", err
	}
	return k.Build(namespace, raw), nil
}

// HashedKeys replaces the key segment with a truncated SHA-256 hex digest,
// guaranteeing bounded key length for backends with key-length limits.
// Length selects the number of hex characters kept, up to 64.
type HashedKeys struct {
	Prefix  string
	Version int
	Length  int
}

var _ KeyBuilder = (*HashedKeys)(nil)

func (h *HashedKeys) Build(namespace, key string) string {
	base := Keys{Prefix: h.Prefix, Version: h.Version}
	return base.Build(namespace, h.digest(key))
}

// FromCall hashes the whole call tuple rather than concatenating it, so
// arbitrarily large argument lists still produce a bounded key.
func (h *HashedKeys) FromCall(namespace, ident string, args []any, kwargs map[string]any) (string, error) {
	raw, err := encodeCall(ident, args, kwargs)
	if err != nil {
		return "", err
	}
	return h.Build(namespace, raw), nil
}

func (h *HashedKeys) digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])
	n := h.Length
	if n <= 0 || n > len(digest) {
		n = len(digest)
	}
	return digest[:n]
}

// FastKeys hashes the key segment with xxhash. It produces short keys
// cheaply but the hash is not cryptographic, so it is only suitable for
// in-process deployments where keys are not adversarial.
type FastKeys struct {
	Prefix  string
	Version int
}

var _ KeyBuilder = (*FastKeys)(nil)

func (f *FastKeys) Build(namespace, key string) string {
	base := Keys{Prefix: f.Prefix, Version: f.Version}
	return base.Build(namespace, strconv.FormatUint(xxhash.Sum64String(key), 16))
}

func (f *FastKeys) FromCall(namespace, ident string, args []any, kwargs map[string]any) (string, error) {
	raw, err := encodeCall(ident, args, kwargs)
	if err != nil {
		return "", err
	}
	return f.Build(namespace, raw), nil
}

// encodeCall produces a deterministic textual form of a call site. Named
// arguments are canonicalized so map iteration order does not change the
// key.
func encodeCall(ident string, args []any, kwargs map[string]any) (string, error) {
	var b strings.Builder
	b.WriteString(ident)
	b.WriteByte('(')
	for i, arg := range args {
		if i > 0 {
			b.WriteByte(',')
		}
		enc, err := canonicalize(arg)
		if err != nil {
			return "", errors.Wrapf(err, "cache: cannot encode argument %d of %s", i, ident)
		}
		b.Write(enc)
	}
	if len(kwargs) > 0 {
		enc, err := canonicalize(kwargs)
		if err != nil {
			return "", errors.Wrapf(err, "cache: cannot encode named arguments of %s", ident)
		}
		if len(args) > 0 {
			b.WriteByte(',')
		}
		b.Write(enc)
	}
	b.WriteByte(')')
	return b.String(), nil
}

// canonicalize produces a deterministic JSON representation of v. Maps are
// emitted with sorted keys.
func canonicalize(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%q:", k)
			enc, err := canonicalize(val[k])
			if err != nil {
				return nil, err
			}
			b.Write(enc)
		}
		b.WriteByte('}')
		return []byte(b.String()), nil
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, err := canonicalize(item)
			if err != nil {
				return nil, err
			}
			b.Write(enc)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil
	default:
		return json.Marshal(v)
	}
}
