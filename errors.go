package openid

import "errors"

var (
	// ErrNotFound is returned by stores for unknown keys
	ErrNotFound = errors.New("not found")

	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrNoProviders       = errors.New("no providers found for the given identifier")
	ErrNoUsableProviders = errors.New("no usable providers found for the given identifier")
	ErrTransport         = errors.New("transport failure")
	ErrMalformedResponse = errors.New("malformed provider response")

	ErrNegotiationUnsupported = errors.New("association negotiation unsupported")
	ErrProviderError          = errors.New("provider returned an error")

	ErrNoReturnURL = errors.New("no return URL or realm specified")

	ErrAssertionCancelled          = errors.New("authentication cancelled")
	ErrAssertionError              = errors.New("provider reported an error")
	ErrHandleInvalidated           = errors.New("association handle has been invalidated")
	ErrReturnToMismatch            = errors.New("return_to does not match the configured return URL")
	ErrProviderMismatch            = errors.New("assertion does not match discovered provider")
	ErrMissingSignature            = errors.New("no signature in response")
	ErrInvalidAssociationHandle    = errors.New("invalid association handle")
	ErrAssociationEndpointMismatch = errors.New("association handle does not match provided endpoint")
	ErrMissingSignedParameter      = errors.New("signed parameter missing from response")
	ErrSignatureMismatch           = errors.New("invalid signature")
)
