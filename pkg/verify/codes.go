package verify

// Code identifies a verification failure class. Every code maps to a
// fixed HTTP status and a fixed, generic message: error payloads never
// carry the expected proof, the canonical string, secrets, or any
// partial-match diagnostic.
type Code string

const (
	CodeInvalidContext         Code = "INVALID_CONTEXT"
	CodeContextExpired         Code = "CONTEXT_EXPIRED"
	CodeReplayDetected         Code = "REPLAY_DETECTED"
	CodeIntegrityFailed        Code = "INTEGRITY_FAILED"
	CodeEndpointMismatch       Code = "ENDPOINT_MISMATCH"
	CodeScopeMismatch          Code = "SCOPE_MISMATCH"
	CodeChainBroken            Code = "CHAIN_BROKEN"
	CodeUnsupportedContentType Code = "UNSUPPORTED_CONTENT_TYPE"
	CodeCanonicalization       Code = "CANONICALIZATION_ERROR"
	CodeInternal               Code = "INTERNAL_ERROR"
)

type codeInfo struct {
	status  int
	message string
}

var codeTable = map[Code]codeInfo{
	CodeInvalidContext:         {401, "request context is missing, unknown, or no longer valid"},
	CodeContextExpired:         {401, "request context has expired"},
	CodeReplayDetected:         {409, "request context has already been used"},
	CodeIntegrityFailed:        {401, "request integrity verification failed"},
	CodeEndpointMismatch:       {401, "request does not match the endpoint this context was issued for"},
	CodeScopeMismatch:          {401, "declared field scope does not match the request"},
	CodeChainBroken:            {401, "request chain linkage does not match the request"},
	CodeUnsupportedContentType: {415, "request content type is not supported"},
	CodeCanonicalization:       {400, "request payload could not be processed"},
	CodeInternal:               {500, "internal verification error"},
}

// HTTPStatus returns the fixed status for the code.
func (c Code) HTTPStatus() int {
	if info, ok := codeTable[c]; ok {
		return info.status
	}
	return 500
}

// Message returns the fixed user-safe message for the code.
func (c Code) Message() string {
	if info, ok := codeTable[c]; ok {
		return info.message
	}
	return "internal verification error"
}
