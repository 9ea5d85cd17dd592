// Package episodic holds the namespace codec and OPA policy integration for
// the namespaced episodic memory system.
package episodic

import (
	"fmt"
	"net/url"
	"strings"
)

// namespaceSep joins encoded namespace segments in storage. It is the ASCII
// Record Separator (30); percent-encoding guarantees no segment contains it,
// so prefix matching with it as delimiter can never cross a segment boundary.
const namespaceSep = "\x1e"

// EncodeNamespace turns namespace segments into the single storage string:
// each segment percent-encoded, joined with RS. Empty segments and depths
// beyond maxDepth (when > 0) are rejected.
func EncodeNamespace(segments []string, maxDepth int) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("namespace must have at least one segment")
	}
	if maxDepth > 0 && len(segments) > maxDepth {
		return "", fmt.Errorf("namespace depth %d exceeds configured limit %d", len(segments), maxDepth)
	}
	encoded := make([]string, len(segments))
	for i, seg := range segments {
		if seg == "" {
			return "", fmt.Errorf("namespace segment %d is empty", i)
		}
		encoded[i] = url.PathEscape(seg)
	}
	return strings.Join(encoded, namespaceSep), nil
}

// DecodeNamespace reverses EncodeNamespace.
func DecodeNamespace(encoded string) ([]string, error) {
	if encoded == "" {
		return nil, fmt.Errorf("encoded namespace is empty")
	}
	parts := strings.Split(encoded, namespaceSep)
	segments := make([]string, len(parts))
	for i, part := range parts {
		seg, err := url.PathUnescape(part)
		if err != nil {
			return nil, fmt.Errorf("failed to decode namespace segment %d %q: %w", i, part, err)
		}
		segments[i] = seg
	}
	return segments, nil
}

// NamespacePrefixPattern builds the SQL LIKE pattern matching strict
// descendants of the encoded prefix. "users\x1ealice" never matches
// "users\x1ealiced" because the pattern ends the prefix at an RS. Callers
// pair it with an equality check for the prefix itself.
func NamespacePrefixPattern(prefixEncoded string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefixEncoded)
	return escaped + namespaceSep + "%"
}

// NamespaceMatchesExact reports whether encoded equals the encoded prefix.
func NamespaceMatchesExact(encoded, prefixEncoded string) bool {
	return encoded == prefixEncoded
}

// NamespaceHasPrefix reports whether encoded is prefixEncoded or one of its
// descendants.
func NamespaceHasPrefix(encoded, prefixEncoded string) bool {
	return encoded == prefixEncoded || strings.HasPrefix(encoded, prefixEncoded+namespaceSep)
}

// NamespaceTruncate keeps the first depth segments of the encoded namespace.
// Shallower namespaces come back unchanged.
func NamespaceTruncate(encoded string, depth int) string {
	parts := strings.SplitN(encoded, namespaceSep, depth+1)
	if len(parts) <= depth {
		return encoded
	}
	return strings.Join(parts[:depth], namespaceSep)
}

// NamespaceDepth counts the segments in the encoded namespace.
func NamespaceDepth(encoded string) int {
	return strings.Count(encoded, namespaceSep) + 1
}

// MatchesSuffix reports whether the decoded namespace ends with suffix.
func MatchesSuffix(encoded string, suffix []string) bool {
	if len(suffix) == 0 {
		return true
	}
	segments, err := DecodeNamespace(encoded)
	if err != nil || len(segments) < len(suffix) {
		return false
	}
	tail := segments[len(segments)-len(suffix):]
	for i, s := range suffix {
		if tail[i] != s {
			return false
		}
	}
	return true
}
