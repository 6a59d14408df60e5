package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ash-protocol/ash/pkg/canonical"
	"github.com/ash-protocol/ash/pkg/proof"
)

const usageText = "usage: ashctl canon --in <path|-> [--content-type json|form] | " +
	"ashctl proof make --context-id <id> --binding \"METHOD /path\" [--mode minimal|balanced] [--nonce <hex>] [--client-secret <hex>] [--timestamp <ms>] [--scope a,b.c] [--previous-proof <p>] --in <path|-> | " +
	"ashctl proof verify <same flags as make> --proof <p>"

func main() {
	if len(os.Args) < 2 {
		fail(usageText)
	}
	switch os.Args[1] {
	case "canon":
		runCanon(os.Args[2:])
	case "proof":
		runProof(os.Args[2:])
	default:
		fail(usageText)
	}
}

func runCanon(args []string) {
	fs := flag.NewFlagSet("canon", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	in := fs.String("in", "", "payload path, or - for stdin")
	contentType := fs.String("content-type", "json", "json or form")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
	raw := readInput(*in)

	var (
		canon string
		err   error
	)
	switch *contentType {
	case "json":
		canon, err = canonical.JSON(raw)
	case "form":
		canon, err = canonical.Form(strings.TrimSpace(string(raw)))
	default:
		fail("unknown --content-type: " + *contentType)
	}
	if err != nil {
		fail(err.Error())
	}
	emit(map[string]any{"canonical": canon})
}

func runProof(args []string) {
	if len(args) < 1 {
		fail(usageText)
	}
	switch args[0] {
	case "make":
		runProofCmd(args[1:], false)
	case "verify":
		runProofCmd(args[1:], true)
	default:
		fail(usageText)
	}
}

func runProofCmd(args []string, verifyMode bool) {
	fs := flag.NewFlagSet("proof", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	contextID := fs.String("context-id", "", "context id")
	binding := fs.String("binding", "", `normalized binding, e.g. "POST /api/orders"`)
	mode := fs.String("mode", "balanced", "protocol mode for the base protocol")
	nonce := fs.String("nonce", "", "client-visible nonce (base protocol)")
	clientSecret := fs.String("client-secret", "", "derived per-context secret (derived protocol)")
	timestamp := fs.String("timestamp", "", "request timestamp in ms (derived protocol)")
	scopeFlag := fs.String("scope", "", "comma-separated dot-paths")
	previousProof := fs.String("previous-proof", "", "previous proof in the chain")
	providedProof := fs.String("proof", "", "proof to verify")
	in := fs.String("in", "", "payload path, or - for stdin")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
	if strings.TrimSpace(*contextID) == "" || strings.TrimSpace(*binding) == "" {
		fail("--context-id and --binding are required")
	}
	if verifyMode && strings.TrimSpace(*providedProof) == "" {
		fail("--proof is required for verify")
	}

	raw := readInput(*in)
	scope := splitScope(*scopeFlag)

	var computed string
	out := map[string]any{"context_id": *contextID, "binding": *binding}

	if *clientSecret != "" {
		ts := *timestamp
		if ts == "" {
			ts = strconv.FormatInt(time.Now().UnixMilli(), 10)
		}
		canon, err := scopedPayload(raw, scope)
		if err != nil {
			fail(err.Error())
		}
		scopeHash := proof.ScopeHash(scope)
		chainHash := proof.ChainHash(*previousProof)
		computed = proof.Derived(*clientSecret, ts, *binding, proof.BodyHash(canon), scopeHash, chainHash)
		out["timestamp"] = ts
		if scopeHash != "" {
			out["scope_hash"] = scopeHash
		}
		if chainHash != "" {
			out["chain_hash"] = chainHash
		}
	} else {
		canon := ""
		if len(raw) > 0 {
			var err error
			canon, err = canonical.JSON(raw)
			if err != nil {
				fail(err.Error())
			}
		}
		computed = proof.Base(proof.BaseInput{
			Mode:             *mode,
			Binding:          *binding,
			ContextID:        *contextID,
			Nonce:            *nonce,
			CanonicalPayload: canon,
		})
	}

	if verifyMode {
		out["valid"] = proof.Equal(computed, *providedProof)
	} else {
		out["proof"] = computed
	}
	emit(out)
}

func scopedPayload(raw []byte, scope []string) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	if len(scope) == 0 {
		return canonical.JSON(raw)
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return "", err
	}
	return canonical.Value(proof.ExtractScopedFields(payload, scope))
}

func splitScope(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func readInput(path string) []byte {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if path == "-" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			fail(err.Error())
		}
		return raw
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		fail(err.Error())
	}
	return raw
}

func emit(v map[string]any) {
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(v); err != nil {
		fail(err.Error())
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
