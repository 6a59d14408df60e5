// Package verify orchestrates the fail-closed verification pipeline:
// load context, check expiry, check binding, canonicalize the payload,
// rebuild the expected proof, compare in constant time, then atomically
// consume the context. Every gate is terminal; nothing falls through to
// success, and no configuration can skip a step.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ash-protocol/ash/pkg/ashcontext"
	"github.com/ash-protocol/ash/pkg/canonical"
	"github.com/ash-protocol/ash/pkg/proof"
)

// Request carries everything the pipeline needs, already lifted out of
// whatever transport delivered it.
type Request struct {
	ContextID   string
	Proof       string
	Method      string
	Path        string
	ContentType string
	Body        []byte

	// Derived-secret protocol fields.
	Timestamp     string
	Scope         []string
	ScopeHash     string
	ChainHash     string
	PreviousProof string
}

// Result is the tagged verification outcome: Valid with metadata, or a
// single failure code. Never partially valid.
type Result struct {
	Valid     bool
	Code      Code
	Status    int
	Message   string
	ContextID string
	Binding   string
	Mode      ashcontext.Mode
}

func valid(c ashcontext.Context) Result {
	return Result{
		Valid:     true,
		Status:    200,
		ContextID: c.ID,
		Binding:   c.Binding,
		Mode:      c.Mode,
	}
}

func fail(code Code) Result {
	return Result{
		Valid:   false,
		Code:    code,
		Status:  code.HTTPStatus(),
		Message: code.Message(),
	}
}

// Verifier runs the pipeline against one context store.
type Verifier struct {
	Store ashcontext.Store
	Now   func() time.Time
}

func New(store ashcontext.Store) *Verifier {
	return &Verifier{Store: store, Now: time.Now}
}

// Verify runs the gates in strict order. Only a successful atomic
// consume yields Valid.
func (v *Verifier) Verify(ctx context.Context, req Request) Result {
	// Gate 1: extract.
	if strings.TrimSpace(req.ContextID) == "" || strings.TrimSpace(req.Proof) == "" {
		return fail(CodeInvalidContext)
	}

	// Gate 2: load.
	c, err := v.Store.Get(ctx, req.ContextID)
	if err != nil {
		return fail(CodeInternal)
	}
	if c == nil {
		return fail(CodeInvalidContext)
	}

	// Gate 3: expiry.
	now := v.Now().UnixMilli()
	if c.Expired(now) {
		return fail(CodeContextExpired)
	}

	// Gate 4: binding. Exact string equality, never prefix or pattern
	// matching.
	binding := canonical.Binding(req.Method, req.Path)
	if binding != c.Binding {
		return fail(CodeEndpointMismatch)
	}

	// Gate 5: canonicalize.
	canonicalPayload, code := canonicalizePayload(req.ContentType, req.Body)
	if code != "" {
		return fail(code)
	}

	// Gates 6-7: recompute and compare, protocol chosen by the context.
	if c.Mode == ashcontext.ModeStrict {
		if code := v.checkDerived(req, *c, binding, canonicalPayload); code != "" {
			return fail(code)
		}
	} else {
		expected := proof.Base(proof.BaseInput{
			Mode:             string(c.Mode),
			Binding:          binding,
			ContextID:        c.ID,
			Nonce:            c.Nonce,
			CanonicalPayload: canonicalPayload,
		})
		if !proof.Equal(expected, req.Proof) {
			return fail(CodeIntegrityFailed)
		}
	}

	// Gate 8: consume. A lost race is final; verification is never
	// retried (the caller must obtain a fresh context).
	outcome, err := v.Store.Consume(ctx, c.ID, now)
	if err != nil {
		return fail(CodeInternal)
	}
	switch outcome {
	case ashcontext.Consumed:
		return valid(*c)
	case ashcontext.AlreadyConsumed:
		return fail(CodeReplayDetected)
	default:
		return fail(CodeInvalidContext)
	}
}

// checkDerived verifies the derived-secret protocol. Scope and chain
// hashes are recomputed from the claimed scope and previous proof and
// checked against the asserted header values, with distinct errors,
// before the proof itself is checked.
func (v *Verifier) checkDerived(req Request, c ashcontext.Context, binding, canonicalPayload string) Code {
	if strings.TrimSpace(req.Timestamp) == "" {
		return CodeInvalidContext
	}

	scopeHash := proof.ScopeHash(req.Scope)
	if req.ScopeHash != "" || scopeHash != "" {
		if !proof.Equal(scopeHash, req.ScopeHash) {
			return CodeScopeMismatch
		}
	}

	chainHash := proof.ChainHash(req.PreviousProof)
	if req.ChainHash != "" || chainHash != "" {
		if !proof.Equal(chainHash, req.ChainHash) {
			return CodeChainBroken
		}
	}

	bodyCanonical := canonicalPayload
	if len(req.Scope) > 0 {
		var code Code
		bodyCanonical, code = scopedCanonical(req)
		if code != "" {
			return code
		}
	}

	clientSecret := proof.DeriveClientSecret(c.Nonce, c.ID, binding)
	expected := proof.Derived(clientSecret, req.Timestamp, binding, proof.BodyHash(bodyCanonical), scopeHash, chainHash)
	if !proof.Equal(expected, req.Proof) {
		return CodeIntegrityFailed
	}
	return ""
}

// scopedCanonical canonicalizes the sub-object a non-empty scope covers.
// Scoping requires a JSON object payload.
func scopedCanonical(req Request) (string, Code) {
	if len(req.Body) == 0 {
		return "", CodeCanonicalization
	}
	if mediaType(req.ContentType) != "application/json" {
		return "", CodeCanonicalization
	}
	var payload map[string]any
	dec := json.NewDecoder(bytes.NewReader(req.Body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return "", CodeCanonicalization
	}
	canon, err := canonical.Value(proof.ExtractScopedFields(payload, req.Scope))
	if err != nil {
		return "", CodeCanonicalization
	}
	return canon, ""
}

func canonicalizePayload(contentType string, body []byte) (string, Code) {
	// An absent body canonicalizes to the empty string whatever the
	// declared content type.
	if len(body) == 0 {
		return "", ""
	}
	switch mediaType(contentType) {
	case "application/json":
		canon, err := canonical.JSON(body)
		if err != nil {
			return "", CodeCanonicalization
		}
		return canon, ""
	case "application/x-www-form-urlencoded":
		canon, err := canonical.Form(string(body))
		if err != nil {
			return "", CodeCanonicalization
		}
		return canon, ""
	default:
		return "", CodeUnsupportedContentType
	}
}

func mediaType(contentType string) string {
	mt := contentType
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.ToLower(strings.TrimSpace(mt))
}
