package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ash-protocol/ash/pkg/ashcontext"
	"github.com/ash-protocol/ash/pkg/canonical"
	"github.com/ash-protocol/ash/pkg/proof"
)

func issue(t *testing.T, store ashcontext.Store, method, path string, mode ashcontext.Mode) ashcontext.Context {
	t.Helper()
	c, err := store.Create(context.Background(), canonical.Binding(method, path), time.Minute, mode)
	require.NoError(t, err)
	return c
}

func baseProof(t *testing.T, c ashcontext.Context, method, path string, body []byte) string {
	t.Helper()
	canon := ""
	if len(body) > 0 {
		var err error
		canon, err = canonical.JSON(body)
		require.NoError(t, err)
	}
	return proof.Base(proof.BaseInput{
		Mode:             string(c.Mode),
		Binding:          canonical.Binding(method, path),
		ContextID:        c.ID,
		Nonce:            c.Nonce,
		CanonicalPayload: canon,
	})
}

func TestVerify_ValidThenReplay(t *testing.T) {
	store := ashcontext.NewMemoryStore()
	v := New(store)
	body := []byte(`{"amount":100,"currency":"USD"}`)
	c := issue(t, store, "POST", "/api/orders", ashcontext.ModeBalanced)

	req := Request{
		ContextID:   c.ID,
		Proof:       baseProof(t, c, "POST", "/api/orders", body),
		Method:      "POST",
		Path:        "/api/orders",
		ContentType: "application/json",
		Body:        body,
	}

	res := v.Verify(context.Background(), req)
	require.True(t, res.Valid, "first verification must succeed: %+v", res)
	require.Equal(t, c.ID, res.ContextID)

	res = v.Verify(context.Background(), req)
	require.False(t, res.Valid)
	require.Equal(t, CodeReplayDetected, res.Code)
	require.Equal(t, 409, res.Status)
}

func TestVerify_ConcurrentDoubleSubmission(t *testing.T) {
	store := ashcontext.NewMemoryStore()
	v := New(store)
	body := []byte(`{"n":1}`)
	c := issue(t, store, "POST", "/api/orders", ashcontext.ModeBalanced)
	req := Request{
		ContextID:   c.ID,
		Proof:       baseProof(t, c, "POST", "/api/orders", body),
		Method:      "POST",
		Path:        "/api/orders",
		ContentType: "application/json",
		Body:        body,
	}

	const n = 32
	results := make([]Result, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = v.Verify(context.Background(), req)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, res := range results {
		if res.Valid {
			wins++
		} else {
			require.Equal(t, CodeReplayDetected, res.Code)
		}
	}
	require.Equal(t, 1, wins, "exactly one parallel verify must succeed")
}

func TestVerify_TamperedPayload(t *testing.T) {
	store := ashcontext.NewMemoryStore()
	v := New(store)
	c := issue(t, store, "POST", "/api/orders", ashcontext.ModeBalanced)

	req := Request{
		ContextID:   c.ID,
		Proof:       baseProof(t, c, "POST", "/api/orders", []byte(`{"amount":100}`)),
		Method:      "POST",
		Path:        "/api/orders",
		ContentType: "application/json",
		Body:        []byte(`{"amount":101}`),
	}
	res := v.Verify(context.Background(), req)
	require.False(t, res.Valid)
	require.Equal(t, CodeIntegrityFailed, res.Code)
}

func TestVerify_KeyOrderDoesNotMatter(t *testing.T) {
	store := ashcontext.NewMemoryStore()
	v := New(store)
	c := issue(t, store, "POST", "/api/orders", ashcontext.ModeMinimal)

	req := Request{
		ContextID:   c.ID,
		Proof:       baseProof(t, c, "POST", "/api/orders", []byte(`{"a":1,"b":2}`)),
		Method:      "POST",
		Path:        "/api/orders",
		ContentType: "application/json",
		Body:        []byte(`{"b":2,"a":1}`),
	}
	res := v.Verify(context.Background(), req)
	require.True(t, res.Valid, "%+v", res)
}

func TestVerify_BindingMismatch(t *testing.T) {
	store := ashcontext.NewMemoryStore()
	v := New(store)
	body := []byte(`{"n":1}`)
	c := issue(t, store, "POST", "/a", ashcontext.ModeBalanced)

	req := Request{
		ContextID:   c.ID,
		Proof:       baseProof(t, c, "POST", "/a", body),
		Method:      "POST",
		Path:        "/b",
		ContentType: "application/json",
		Body:        body,
	}
	res := v.Verify(context.Background(), req)
	require.False(t, res.Valid)
	require.Equal(t, CodeEndpointMismatch, res.Code)
}

func TestVerify_Expired(t *testing.T) {
	store := ashcontext.NewMemoryStore()
	v := New(store)
	body := []byte(`{"n":1}`)
	c := issue(t, store, "POST", "/a", ashcontext.ModeBalanced)

	v.Now = func() time.Time { return time.UnixMilli(c.ExpiresAt + 1) }
	req := Request{
		ContextID:   c.ID,
		Proof:       baseProof(t, c, "POST", "/a", body),
		Method:      "POST",
		Path:        "/a",
		ContentType: "application/json",
		Body:        body,
	}
	res := v.Verify(context.Background(), req)
	require.False(t, res.Valid)
	// The store already treats expired contexts as absent.
	require.Equal(t, CodeInvalidContext, res.Code)
}

func TestVerify_ExpiryGateWhenStoreStillReturns(t *testing.T) {
	// A store whose Get does not yet apply the expiry predicate must
	// still be caught by the verifier's own expiry gate.
	store := &staleGetStore{MemoryStore: ashcontext.NewMemoryStore()}
	v := New(store)
	body := []byte(`{"n":1}`)
	c := issue(t, store, "POST", "/a", ashcontext.ModeBalanced)

	v.Now = func() time.Time { return time.UnixMilli(c.ExpiresAt + 1) }
	req := Request{
		ContextID:   c.ID,
		Proof:       baseProof(t, c, "POST", "/a", body),
		Method:      "POST",
		Path:        "/a",
		ContentType: "application/json",
		Body:        body,
	}
	res := v.Verify(context.Background(), req)
	require.False(t, res.Valid)
	require.Equal(t, CodeContextExpired, res.Code)
}

// staleGetStore returns contexts from Get even after logical expiry.
type staleGetStore struct {
	*ashcontext.MemoryStore
	mu   sync.Mutex
	seen map[string]ashcontext.Context
}

func (s *staleGetStore) Create(ctx context.Context, binding string, ttl time.Duration, mode ashcontext.Mode) (ashcontext.Context, error) {
	c, err := s.MemoryStore.Create(ctx, binding, ttl, mode)
	if err != nil {
		return c, err
	}
	s.mu.Lock()
	if s.seen == nil {
		s.seen = make(map[string]ashcontext.Context)
	}
	s.seen[c.ID] = c
	s.mu.Unlock()
	return c, nil
}

func (s *staleGetStore) Get(_ context.Context, id string) (*ashcontext.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.seen[id]; ok {
		out := c
		return &out, nil
	}
	return nil, nil
}

func TestVerify_MissingInputs(t *testing.T) {
	store := ashcontext.NewMemoryStore()
	v := New(store)

	res := v.Verify(context.Background(), Request{Proof: "p"})
	require.Equal(t, CodeInvalidContext, res.Code)

	res = v.Verify(context.Background(), Request{ContextID: "c"})
	require.Equal(t, CodeInvalidContext, res.Code)

	res = v.Verify(context.Background(), Request{ContextID: "ashc_unknown", Proof: "p", Method: "GET", Path: "/"})
	require.Equal(t, CodeInvalidContext, res.Code)
}

func TestVerify_UnsupportedContentType(t *testing.T) {
	store := ashcontext.NewMemoryStore()
	v := New(store)
	c := issue(t, store, "POST", "/a", ashcontext.ModeBalanced)

	req := Request{
		ContextID:   c.ID,
		Proof:       "irrelevant",
		Method:      "POST",
		Path:        "/a",
		ContentType: "text/xml",
		Body:        []byte(`<x/>`),
	}
	res := v.Verify(context.Background(), req)
	require.Equal(t, CodeUnsupportedContentType, res.Code)
	require.Equal(t, 415, res.Status)
}

func TestVerify_MalformedPayload(t *testing.T) {
	store := ashcontext.NewMemoryStore()
	v := New(store)
	c := issue(t, store, "POST", "/a", ashcontext.ModeBalanced)

	req := Request{
		ContextID:   c.ID,
		Proof:       "irrelevant",
		Method:      "POST",
		Path:        "/a",
		ContentType: "application/json",
		Body:        []byte(`{"broken`),
	}
	res := v.Verify(context.Background(), req)
	require.Equal(t, CodeCanonicalization, res.Code)
}

func TestVerify_FormPayload(t *testing.T) {
	store := ashcontext.NewMemoryStore()
	v := New(store)
	c := issue(t, store, "POST", "/form", ashcontext.ModeBalanced)

	canon, err := canonical.Form("b=2&a=1")
	require.NoError(t, err)
	p := proof.Base(proof.BaseInput{
		Mode:             string(c.Mode),
		Binding:          c.Binding,
		ContextID:        c.ID,
		Nonce:            c.Nonce,
		CanonicalPayload: canon,
	})

	req := Request{
		ContextID:   c.ID,
		Proof:       p,
		Method:      "POST",
		Path:        "/form",
		ContentType: "application/x-www-form-urlencoded; charset=utf-8",
		Body:        []byte("a=1&b=2"),
	}
	res := v.Verify(context.Background(), req)
	require.True(t, res.Valid, "%+v", res)
}

func derivedRequest(t *testing.T, c ashcontext.Context, method, path string, body []byte, scope []string, previousProof string) Request {
	t.Helper()
	binding := canonical.Binding(method, path)
	clientSecret := proof.DeriveClientSecret(c.Nonce, c.ID, binding)
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	canon := ""
	if len(body) > 0 {
		var err error
		if len(scope) > 0 {
			dec := json.NewDecoder(bytes.NewReader(body))
			dec.UseNumber()
			var payload map[string]any
			require.NoError(t, dec.Decode(&payload))
			canon, err = canonical.Value(proof.ExtractScopedFields(payload, scope))
		} else {
			canon, err = canonical.JSON(body)
		}
		require.NoError(t, err)
	}

	scopeHash := proof.ScopeHash(scope)
	chainHash := proof.ChainHash(previousProof)
	return Request{
		ContextID:     c.ID,
		Proof:         proof.Derived(clientSecret, ts, binding, proof.BodyHash(canon), scopeHash, chainHash),
		Method:        method,
		Path:          path,
		ContentType:   "application/json",
		Body:          body,
		Timestamp:     ts,
		Scope:         scope,
		ScopeHash:     scopeHash,
		ChainHash:     chainHash,
		PreviousProof: previousProof,
	}
}

func TestVerify_DerivedProtocol(t *testing.T) {
	store := ashcontext.NewMemoryStore()
	v := New(store)
	c := issue(t, store, "POST", "/api/pay", ashcontext.ModeStrict)

	req := derivedRequest(t, c, "POST", "/api/pay", []byte(`{"amount":100,"note":"x"}`), nil, "")
	res := v.Verify(context.Background(), req)
	require.True(t, res.Valid, "%+v", res)
}

func TestVerify_DerivedMissingTimestamp(t *testing.T) {
	store := ashcontext.NewMemoryStore()
	v := New(store)
	c := issue(t, store, "POST", "/api/pay", ashcontext.ModeStrict)

	req := derivedRequest(t, c, "POST", "/api/pay", []byte(`{"amount":100}`), nil, "")
	req.Timestamp = ""
	res := v.Verify(context.Background(), req)
	require.Equal(t, CodeInvalidContext, res.Code)
}

func TestVerify_ScopedProofIgnoresOutsideFields(t *testing.T) {
	store := ashcontext.NewMemoryStore()
	v := New(store)
	scope := []string{"amount", "card.number"}
	c := issue(t, store, "POST", "/api/pay", ashcontext.ModeStrict)

	req := derivedRequest(t, c, "POST", "/api/pay",
		[]byte(`{"amount":100,"card":{"number":"4111","cvv":"123"},"note":"x"}`), scope, "")
	// Mutate a field outside the scope after proving.
	req.Body = []byte(`{"amount":100,"card":{"number":"4111","cvv":"123"},"note":"tampered"}`)
	res := v.Verify(context.Background(), req)
	require.True(t, res.Valid, "%+v", res)
}

func TestVerify_ScopedProofCatchesInScopeTamper(t *testing.T) {
	store := ashcontext.NewMemoryStore()
	v := New(store)
	scope := []string{"amount"}
	c := issue(t, store, "POST", "/api/pay", ashcontext.ModeStrict)

	req := derivedRequest(t, c, "POST", "/api/pay", []byte(`{"amount":100,"note":"x"}`), scope, "")
	req.Body = []byte(`{"amount":999,"note":"x"}`)
	res := v.Verify(context.Background(), req)
	require.False(t, res.Valid)
	require.Equal(t, CodeIntegrityFailed, res.Code)
}

func TestVerify_ScopeMismatchDistinctError(t *testing.T) {
	store := ashcontext.NewMemoryStore()
	v := New(store)
	c := issue(t, store, "POST", "/api/pay", ashcontext.ModeStrict)

	req := derivedRequest(t, c, "POST", "/api/pay", []byte(`{"amount":100}`), []string{"amount"}, "")
	// Claim a different scope than the one asserted in the hash header.
	req.Scope = []string{"amount", "note"}
	res := v.Verify(context.Background(), req)
	require.Equal(t, CodeScopeMismatch, res.Code)
}

func TestVerify_ChainBrokenDistinctError(t *testing.T) {
	store := ashcontext.NewMemoryStore()
	v := New(store)
	c := issue(t, store, "POST", "/api/pay", ashcontext.ModeStrict)

	req := derivedRequest(t, c, "POST", "/api/pay", []byte(`{"amount":100}`), nil, "proof-one")
	// The claimed previous proof diverges from the asserted chain hash.
	req.PreviousProof = "proof-two"
	res := v.Verify(context.Background(), req)
	require.Equal(t, CodeChainBroken, res.Code)
}

func TestVerify_ChainedSequence(t *testing.T) {
	store := ashcontext.NewMemoryStore()
	v := New(store)

	c1 := issue(t, store, "POST", "/checkout/start", ashcontext.ModeStrict)
	req1 := derivedRequest(t, c1, "POST", "/checkout/start", []byte(`{"step":1}`), nil, "")
	res := v.Verify(context.Background(), req1)
	require.True(t, res.Valid, "%+v", res)

	c2 := issue(t, store, "POST", "/checkout/confirm", ashcontext.ModeStrict)
	req2 := derivedRequest(t, c2, "POST", "/checkout/confirm", []byte(`{"step":2}`), nil, req1.Proof)
	res = v.Verify(context.Background(), req2)
	require.True(t, res.Valid, "%+v", res)
}

func TestVerify_ErrorMessagesAreGeneric(t *testing.T) {
	for code, info := range codeTable {
		require.NotEmpty(t, info.message, "code %s needs a message", code)
		require.NotContains(t, info.message, "proof")
	}
}
