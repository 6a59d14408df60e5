// Package httpx holds the small HTTP plumbing shared by ASH services:
// JSON response helpers and the ASH header contract.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Protocol headers. Lookup through http.Header is case-insensitive, as
// the contract requires.
const (
	HeaderContextID = "X-ASH-Context-Id"
	HeaderProof     = "X-ASH-Proof"
	HeaderTimestamp = "X-ASH-Timestamp"
	HeaderScope     = "X-ASH-Scope"
	HeaderScopeHash = "X-ASH-Scope-Hash"
	HeaderChainHash = "X-ASH-Chain-Hash"
	HeaderPrevProof = "X-ASH-Previous-Proof"
)

func NewRequestID() string { return "ash_req_" + uuid.NewString() }

type requestIDKey struct{}

// WithRequestID threads a request id through the context so logs and
// response bodies for one request carry the same id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id threaded through the context, minting one
// when absent.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok && v != "" {
		return v
	}
	return NewRequestID()
}

// ParseScope splits the comma-separated X-ASH-Scope header value into
// trimmed field paths, dropping empty entries.
func ParseScope(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(header, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	WriteRequestError(w, NewRequestID(), status, code, message, details)
}

// WriteRequestError writes the error body with the caller's request id
// instead of minting a fresh one.
func WriteRequestError(w http.ResponseWriter, requestID string, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": requestID,
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}
