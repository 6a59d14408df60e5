// Package proof builds and compares request proofs. Two protocols
// coexist: the legacy context-bound hash (no key material, kept for
// compatibility) and the derived-secret HMAC protocol, where the server
// keeps a nonce and hands the client a one-way-derived per-context
// secret. All hash preimages are built from canonical strings, so the
// canonical package defines what "the same payload" means.
package proof

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Version tags the base-protocol preimage. Changing it invalidates every
// outstanding proof, which is the point.
const Version = "ASH1"

// BaseInput carries the fields hashed by the base protocol.
type BaseInput struct {
	Mode             string
	Binding          string
	ContextID        string
	Nonce            string
	CanonicalPayload string
}

// Base computes the context-bound hash proof:
// Base64URL-no-pad(SHA256(version \n mode \n binding \n contextId \n
// [nonce \n] canonicalPayload)). The context id's unguessability is the
// only secret here.
func Base(in BaseInput) string {
	var b strings.Builder
	b.WriteString(Version)
	b.WriteByte('\n')
	b.WriteString(in.Mode)
	b.WriteByte('\n')
	b.WriteString(in.Binding)
	b.WriteByte('\n')
	b.WriteString(in.ContextID)
	b.WriteByte('\n')
	if in.Nonce != "" {
		b.WriteString(in.Nonce)
		b.WriteByte('\n')
	}
	b.WriteString(in.CanonicalPayload)
	sum := sha256.Sum256([]byte(b.String()))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// DeriveClientSecret computes the client-safe per-context secret:
// hex(HMAC-SHA256(key=nonce, msg=contextId|binding)). The nonce never
// leaves the server; the derivation is one-way, so disclosing the result
// to the client reveals nothing about the nonce.
func DeriveClientSecret(nonce, contextID, binding string) string {
	mac := hmac.New(sha256.New, []byte(nonce))
	_, _ = mac.Write([]byte(contextID + "|" + binding))
	return hex.EncodeToString(mac.Sum(nil))
}

// BodyHash hashes a canonical payload string.
func BodyHash(canonicalPayload string) string {
	sum := sha256.Sum256([]byte(canonicalPayload))
	return hex.EncodeToString(sum[:])
}

// ScopeHash hashes the declared scope path set. Empty scope yields the
// empty string, not a hash of "". The unified preimage then degrades to
// the unscoped protocol.
func ScopeHash(scope []string) string {
	if len(scope) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(scope, ",")))
	return hex.EncodeToString(sum[:])
}

// ChainHash hashes the previous request's proof, or yields the empty
// string when the request starts a chain.
func ChainHash(previousProof string) string {
	if previousProof == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(previousProof))
	return hex.EncodeToString(sum[:])
}

// Derived computes the unified derived-secret proof:
// hex(HMAC-SHA256(clientSecret, ts|binding|bodyHash|scopeHash|chainHash)).
// scopeHash and chainHash are empty strings when unused, so the base
// derived protocol is the degenerate case of this formula.
func Derived(clientSecret, timestamp, binding, bodyHash, scopeHash, chainHash string) string {
	mac := hmac.New(sha256.New, []byte(clientSecret))
	_, _ = mac.Write([]byte(timestamp + "|" + binding + "|" + bodyHash + "|" + scopeHash + "|" + chainHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal compares two proof strings in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
