package credential

import "errors"

var (
	// ErrMissingCredential is returned when no value is available and
	// prompting is disabled or produced an empty answer.
	ErrMissingCredential = errors.New("credential not provided")

	// ErrCredentialTimeout is returned when the interactive prompt did not
	// complete within the configured timeout or the caller gave up.
	ErrCredentialTimeout = errors.New("timed out waiting for credential input")
)
