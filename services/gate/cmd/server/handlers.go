package main

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ash-protocol/ash/pkg/ashcontext"
	"github.com/ash-protocol/ash/pkg/canonical"
	"github.com/ash-protocol/ash/pkg/httpx"
	"github.com/ash-protocol/ash/pkg/proof"
	"github.com/ash-protocol/ash/pkg/verify"
)

const maxBodyBytes = 1 << 20

type server struct {
	store    ashcontext.Store
	verifier *verify.Verifier
	ttl      time.Duration
	logger   zerolog.Logger
}

func newServer(store ashcontext.Store, ttl time.Duration, logger zerolog.Logger) *server {
	return &server{
		store:    store,
		verifier: verify.New(store),
		ttl:      ttl,
		logger:   logger,
	}
}

func (s *server) router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(s.requestLog)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/ash", func(api chi.Router) {
		api.Post("/contexts", s.handleIssue)
		api.Post("/verify", s.handleVerify)
		api.Post("/cleanup", s.handleCleanup)

		api.Group(func(protected chi.Router) {
			protected.Use(s.Middleware)
			protected.Post("/demo/orders", func(w http.ResponseWriter, r *http.Request) {
				httpx.WriteJSON(w, 200, map[string]any{
					"request_id": httpx.RequestID(r.Context()),
					"accepted":   true,
				})
			})
		})
	})
	return r
}

func (s *server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := httpx.NewRequestID()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(httpx.WithRequestID(r.Context(), id)))
		s.logger.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("ms", time.Since(start)).
			Msg("request")
	})
}

func (s *server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Binding string `json:"binding"`
		Method  string `json:"method"`
		Path    string `json:"path"`
		Mode    string `json:"mode"`
		TTLMs   int64  `json:"ttl_ms"`
	}
	reqID := httpx.RequestID(r.Context())
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteRequestError(w, reqID, 400, "BAD_JSON", "request body is not valid json", nil)
		return
	}

	// Either a pre-normalized binding or a method+path pair to
	// normalize here. A joined binding cannot be re-split, so it is
	// taken verbatim.
	binding := strings.TrimSpace(req.Binding)
	switch {
	case binding != "" && (req.Method != "" || req.Path != ""):
		httpx.WriteRequestError(w, reqID, 400, "BAD_REQUEST", "binding and method/path are mutually exclusive", nil)
		return
	case binding == "" && (strings.TrimSpace(req.Method) == "" || strings.TrimSpace(req.Path) == ""):
		httpx.WriteRequestError(w, reqID, 400, "BAD_REQUEST", "binding or method and path are required", nil)
		return
	case binding == "":
		binding = canonical.Binding(req.Method, req.Path)
	}

	mode := ashcontext.Mode(req.Mode)
	if req.Mode == "" {
		mode = ashcontext.ModeBalanced
	}
	if !mode.Valid() {
		httpx.WriteRequestError(w, reqID, 400, "BAD_REQUEST", "unknown mode", nil)
		return
	}
	ttl := s.ttl
	if req.TTLMs > 0 {
		ttl = time.Duration(req.TTLMs) * time.Millisecond
	}

	c, err := s.store.Create(r.Context(), binding, ttl, mode)
	if err != nil {
		s.logger.Error().Str("request_id", reqID).Err(err).Msg("context create failed")
		httpx.WriteRequestError(w, reqID, 500, "STORE_ERROR", "could not issue context", nil)
		return
	}

	resp := map[string]any{
		"request_id": reqID,
		"context_id": c.ID,
		"binding":    c.Binding,
		"mode":       string(c.Mode),
		"expires_at": c.ExpiresAt,
	}
	switch mode {
	case ashcontext.ModeBalanced:
		// The nonce travels to the client and joins the hash preimage.
		resp["nonce"] = c.Nonce
	case ashcontext.ModeStrict:
		// The nonce stays here; the client gets the one-way-derived
		// per-context secret instead.
		resp["client_secret"] = proof.DeriveClientSecret(c.Nonce, c.ID, c.Binding)
	}
	httpx.WriteJSON(w, 200, resp)
}

func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	res := s.verifyHTTP(w, r)
	if res == nil {
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.RequestID(r.Context()),
		"valid":      true,
		"context_id": res.ContextID,
	})
}

// Middleware guards a route with the full verification pipeline. The
// request proceeds only after a successful atomic consume.
func (s *server) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if res := s.verifyHTTP(w, r); res != nil {
			next.ServeHTTP(w, r)
		}
	})
}

// verifyHTTP lifts the transport request into a verify.Request, runs the
// pipeline, and writes the taxonomy error on failure. Returns nil after
// writing an error response.
func (s *server) verifyHTTP(w http.ResponseWriter, r *http.Request) *verify.Result {
	reqID := httpx.RequestID(r.Context())
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		httpx.WriteRequestError(w, reqID, 400, string(verify.CodeCanonicalization),
			verify.CodeCanonicalization.Message(), nil)
		return nil
	}
	// Downstream handlers still get to read the payload.
	r.Body = io.NopCloser(bytes.NewReader(body))

	req := verify.Request{
		ContextID:     r.Header.Get(httpx.HeaderContextID),
		Proof:         r.Header.Get(httpx.HeaderProof),
		Method:        r.Method,
		Path:          r.URL.Path,
		ContentType:   r.Header.Get("Content-Type"),
		Body:          body,
		Timestamp:     r.Header.Get(httpx.HeaderTimestamp),
		Scope:         httpx.ParseScope(r.Header.Get(httpx.HeaderScope)),
		ScopeHash:     r.Header.Get(httpx.HeaderScopeHash),
		ChainHash:     r.Header.Get(httpx.HeaderChainHash),
		PreviousProof: r.Header.Get(httpx.HeaderPrevProof),
	}
	res := s.verifier.Verify(r.Context(), req)
	if !res.Valid {
		s.logger.Info().
			Str("request_id", reqID).
			Str("code", string(res.Code)).
			Str("context_id", req.ContextID).
			Msg("verification rejected")
		httpx.WriteRequestError(w, reqID, res.Status, string(res.Code), res.Message, nil)
		return nil
	}
	return &res
}

func (s *server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	reqID := httpx.RequestID(r.Context())
	removed, err := s.store.Cleanup(r.Context(), time.Now().UnixMilli())
	if err != nil {
		s.logger.Error().Str("request_id", reqID).Err(err).Msg("cleanup failed")
		httpx.WriteRequestError(w, reqID, 500, "STORE_ERROR", "cleanup failed", nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": reqID,
		"removed":    removed,
	})
}
