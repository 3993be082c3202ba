package openid

import (
	"fmt"
	"strings"
)

// xriSigils are the global context symbols an XRI may start with
const xriSigils = "(=@+$!"

// Normalize turns user input into a discoverable identifier.
//
// Surrounding whitespace is trimmed and an "xri://" prefix is stripped. Strings that
// start with an XRI sigil or with "http" are returned as is; anything else is
// assumed to be a bare host and gets "http://" prepended.
func Normalize(identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	identifier = strings.TrimPrefix(identifier, "xri://")
	if identifier == "" {
		return "", fmt.Errorf("%w: identifier is empty", ErrInvalidIdentifier)
	}
	if IsXRI(identifier) || strings.HasPrefix(identifier, "http") {
		return identifier, nil
	}
	return "http://" + identifier, nil
}

// IsXRI reports whether a normalized identifier is an XRI rather than a URL
func IsXRI(identifier string) bool {
	return identifier != "" && strings.IndexByte(xriSigils, identifier[0]) >= 0
}
