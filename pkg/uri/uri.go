// Package uri implements the viking:// URI grammar and its mapping to
// account-isolated blob paths. All functions are pure.
package uri

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/openviking/openviking-go/pkg/vkerr"
)

// Scheme is the URI prefix for every addressable node.
const Scheme = "viking://"

// Root is the URI of the account root.
const Root = Scheme

// Scope names. _system is reserved and never exposed to callers.
const (
	ScopeResources    = "resources"
	ScopeUser         = "user"
	ScopeAgent        = "agent"
	ScopeSession      = "session"
	ScopeTemp         = "temp"
	ScopeTransactions = "transactions"
	ScopeSystem       = "_system"
)

// MaxComponentBytes is the longest path component stored verbatim;
// longer components are shortened deterministically.
const MaxComponentBytes = 255

// ValidScopes is the whitelist applied when listing the account root.
var ValidScopes = map[string]bool{
	ScopeResources:    true,
	ScopeUser:         true,
	ScopeAgent:        true,
	ScopeSession:      true,
	ScopeTemp:         true,
	ScopeTransactions: true,
}

// Structure directories that may appear directly under a scope without
// being a space segment.
var (
	UserStructureDirs  = map[string]bool{"memories": true}
	AgentStructureDirs = map[string]bool{"memories": true, "skills": true, "instructions": true, "workspaces": true}
)

// localRoot is the blob-store prefix all account data lives under.
const localRoot = "/local"

// IsVikingURI reports whether s carries the viking:// scheme.
func IsVikingURI(s string) bool {
	return strings.HasPrefix(s, Scheme)
}

// Split returns the non-empty path components after the scheme. Non-URI
// input is treated as a bare remainder, matching the path mapper.
func Split(uri string) []string {
	remainder := uri
	if IsVikingURI(uri) {
		remainder = uri[len(Scheme):]
	}
	remainder = strings.Trim(remainder, "/")
	if remainder == "" {
		return nil
	}
	parts := strings.Split(remainder, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Scope returns the first component of a URI, or "" for the root.
func Scope(uri string) string {
	parts := Split(uri)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// Validate rejects non-viking URIs. Unknown future scopes round-trip
// opaquely, so only the scheme is enforced.
func Validate(uri string) error {
	if !IsVikingURI(uri) {
		return vkerr.New(vkerr.KindInvalidArgument, "not a viking URI: %q", uri)
	}
	return nil
}

// Join appends components to a base URI.
func Join(base string, parts ...string) string {
	b := strings.TrimRight(base, "/")
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		b += "/" + p
	}
	if b == Scheme[:len(Scheme)-1] { // "viking:/"
		return Root
	}
	return b
}

// Parent returns the directory URI containing uri, or "" at the root.
func Parent(uri string) string {
	parts := Split(uri)
	if len(parts) <= 1 {
		if len(parts) == 1 {
			return Root
		}
		return ""
	}
	return Scheme + strings.Join(parts[:len(parts)-1], "/")
}

// Name returns the last component of a URI, or "" for the root.
func Name(uri string) string {
	parts := Split(uri)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// ShortenComponent bounds a path component to maxBytes of UTF-8. Over
// the bound, the component becomes {prefix}_{8-hex} where the hex is the
// SHA-256 of the original; the result is deterministic and within bound.
func ShortenComponent(component string, maxBytes int) string {
	if len(component) <= maxBytes {
		return component
	}
	sum := sha256.Sum256([]byte(component))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	target := maxBytes - len(suffix)
	prefix := component
	for len(prefix) > target && len(prefix) > 0 {
		// Trim one rune at a time so multi-byte characters stay intact.
		r := []rune(prefix)
		prefix = string(r[:len(r)-1])
	}
	return prefix + suffix
}

// ToPath maps a URI to its backing blob path. Pure prefix replacement:
// viking://{remainder} -> /local/{accountID}/{remainder}. No implicit
// space injection; each component is shortened when over the byte bound.
func ToPath(uri string, accountID string) string {
	parts := Split(uri)
	if len(parts) == 0 {
		return localRoot + "/" + accountID
	}
	safe := make([]string, len(parts))
	for i, p := range parts {
		safe[i] = ShortenComponent(p, MaxComponentBytes)
	}
	return fmt.Sprintf("%s/%s/%s", localRoot, accountID, strings.Join(safe, "/"))
}

// FromPath maps a blob path back to a URI, stripping the /local/{account}
// prefix. Inputs that are already URIs pass through.
func FromPath(path string, accountID string) string {
	switch {
	case IsVikingURI(path):
		return path
	case strings.HasPrefix(path, localRoot+"/"):
		inner := strings.Trim(path[len(localRoot)+1:], "/")
		if inner == "" {
			return Root
		}
		parts := strings.Split(inner, "/")
		keep := parts[:0]
		for _, p := range parts {
			if p != "" {
				keep = append(keep, p)
			}
		}
		if len(keep) > 0 && keep[0] == accountID {
			keep = keep[1:]
		}
		if len(keep) == 0 {
			return Root
		}
		return Scheme + strings.Join(keep, "/")
	case strings.HasPrefix(path, "/"):
		return "viking:/" + path
	default:
		return Scheme + path
	}
}

// ExtractSpace returns the space segment of a URI when present. URIs are
// WYSIWYG: viking://{scope}/{space}/... For user/agent the second segment
// is a space unless it names a structure directory; for session it
// always is.
func ExtractSpace(uri string) (string, bool) {
	if !IsVikingURI(uri) {
		return "", false
	}
	parts := Split(uri)
	if len(parts) < 2 {
		return "", false
	}
	scope, second := parts[0], parts[1]
	switch scope {
	case ScopeUser:
		if !UserStructureDirs[second] {
			return second, true
		}
	case ScopeAgent:
		if !AgentStructureDirs[second] {
			return second, true
		}
	case ScopeSession:
		return second, true
	}
	return "", false
}

// HasPrefix reports whether uri equals base or lies under base + "/".
func HasPrefix(uri, base string) bool {
	if uri == base {
		return true
	}
	return strings.HasPrefix(uri, strings.TrimRight(base, "/")+"/")
}

// ReplacePrefix rewrites oldBase to newBase at the front of uri. The uri
// must satisfy HasPrefix(uri, oldBase).
func ReplacePrefix(uri, oldBase, newBase string) string {
	if uri == oldBase {
		return newBase
	}
	rest := strings.TrimPrefix(uri, strings.TrimRight(oldBase, "/"))
	return strings.TrimRight(newBase, "/") + rest
}
