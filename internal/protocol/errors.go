package protocol

import "fmt"

// AuthError means the interactive sign-in failed or was cancelled.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("auth failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RefreshError means the refresh token itself is invalid, expired or
// revoked. Callers must fall back to a full re-authentication; retrying the
// refresh will not help.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh token rejected: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// BridgeError means the message channel to the daemon was unreachable or
// returned a malformed response.
type BridgeError struct {
	Action string
	Err    error
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge %s: %v", e.Action, e.Err)
}

func (e *BridgeError) Unwrap() error { return e.Err }

// ProviderError means the model call was rejected or the provider tag is
// not part of the supported set.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %q: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("provider %q not supported", e.Provider)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ExtractionError means tab content could not be produced. Callers degrade
// to a no-content entry; this error never aborts a turn.
type ExtractionError struct {
	URL string
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }
