package cache

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// KeySeparator delimits the segments of a canonical cache key.
const KeySeparator = ":"

// paramsMarker prefixes the encoded-parameter segment of a key. Segment
// escaping never lets a raw "=" through, so the marker is unambiguous.
const paramsMarker = "p="

// ErrMalformedKey is returned by ParseKey for strings that were not produced
// by GenerateKey.
var ErrMalformedKey = errors.New("cache: malformed key")

// Key is the decoded form of a canonical cache key. It is a value type;
// the cache itself only ever sees the encoded string.
type Key struct {
	Source      DataSource
	Operation   string
	Identifiers []string
	Params      map[string]any
}

// KeyCodec derives deterministic cache keys from domain coordinates and
// decodes them back. Identical logical requests must yield the identical
// key string regardless of the order identifiers or parameters arrive in.
type KeyCodec interface {
	GenerateKey(source DataSource, operation string, identifiers []string, params map[string]any) string
	ParseKey(key string) (Key, error)
}

// defaultKeyCodec encodes keys as "source:operation:id1,id2[:p=blob]".
// Identifiers are escaped individually, de-duplicated and sorted so key
// derivation is order independent; parameters are msgpack-encoded with
// sorted map keys and appended base64url so distinct parameter sets can
// never collide and the key remains fully reversible.
type defaultKeyCodec struct{}

// NewDefaultKeyCodec creates the canonical key codec.
func NewDefaultKeyCodec() KeyCodec {
	return &defaultKeyCodec{}
}

// EscapeIdentifier escapes a single identifier the way GenerateKey does.
// It is exported so invalidation patterns can be built against the escaped
// form that actually appears in canonical keys.
func EscapeIdentifier(identifier string) string {
	return url.QueryEscape(identifier)
}

// GenerateKey builds the canonical key string. A nil and an empty params
// map produce the same key: both mean "no parameters".
func (c *defaultKeyCodec) GenerateKey(source DataSource, operation string, identifiers []string, params map[string]any) string {
	normalized := normalizeIdentifiers(identifiers)
	escaped := make([]string, len(normalized))
	for i, id := range normalized {
		escaped[i] = EscapeIdentifier(id)
	}

	var b strings.Builder
	b.WriteString(EscapeIdentifier(string(source)))
	b.WriteString(KeySeparator)
	b.WriteString(EscapeIdentifier(operation))
	b.WriteString(KeySeparator)
	b.WriteString(strings.Join(escaped, ","))

	if len(params) > 0 {
		b.WriteString(KeySeparator)
		b.WriteString(paramsMarker)
		b.WriteString(encodeParams(params))
	}
	return b.String()
}

// ParseKey inverts GenerateKey. The returned Key is in canonical form:
// identifiers come back de-duplicated and sorted even if the original
// request supplied them in another order.
func (c *defaultKeyCodec) ParseKey(key string) (Key, error) {
	segments := strings.Split(key, KeySeparator)
	if len(segments) < 3 || len(segments) > 4 {
		return Key{}, fmt.Errorf("%w: expected 3 or 4 segments, got %d", ErrMalformedKey, len(segments))
	}

	source, err := url.QueryUnescape(segments[0])
	if err != nil {
		return Key{}, fmt.Errorf("%w: bad source segment: %v", ErrMalformedKey, err)
	}
	operation, err := url.QueryUnescape(segments[1])
	if err != nil {
		return Key{}, fmt.Errorf("%w: bad operation segment: %v", ErrMalformedKey, err)
	}

	var identifiers []string
	if segments[2] != "" {
		for _, part := range strings.Split(segments[2], ",") {
			id, err := url.QueryUnescape(part)
			if err != nil {
				return Key{}, fmt.Errorf("%w: bad identifier segment: %v", ErrMalformedKey, err)
			}
			identifiers = append(identifiers, id)
		}
	}

	parsed := Key{
		Source:      DataSource(source),
		Operation:   operation,
		Identifiers: identifiers,
	}

	if len(segments) == 4 {
		blob, ok := strings.CutPrefix(segments[3], paramsMarker)
		if !ok {
			return Key{}, fmt.Errorf("%w: unexpected trailing segment", ErrMalformedKey)
		}
		params, err := decodeParams(blob)
		if err != nil {
			return Key{}, fmt.Errorf("%w: bad parameter blob: %v", ErrMalformedKey, err)
		}
		parsed.Params = params
	}
	return parsed, nil
}

// normalizeIdentifiers de-duplicates and sorts so that key derivation does
// not depend on the order callers supply identifiers in.
func normalizeIdentifiers(identifiers []string) []string {
	if len(identifiers) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(identifiers))
	out := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// encodeParams produces a deterministic, reversible blob: msgpack with
// sorted map keys, then unpadded base64url (whose alphabet contains no key
// separator characters). When a parameter value cannot be msgpack-encoded
// we fall back to a flat textual rendering rather than failing the key
// derivation; stability matters more than reversibility for such values.
func encodeParams(params map[string]any) string {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(params); err != nil {
		return base64.RawURLEncoding.EncodeToString([]byte(textualParams(params)))
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes())
}

func decodeParams(blob string) (map[string]any, error) {
	raw, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := msgpack.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return params, nil
}

// textualParams renders parameters as sorted key=value pairs, used only when
// msgpack cannot encode a value.
func textualParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = fmt.Sprintf("%s=%v", k, params[k])
	}
	return strings.Join(pairs, "&")
}
