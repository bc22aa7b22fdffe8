package wire

import "errors"

// ErrMalformed is the sentinel wrapped by every parse failure in this
// package. Callers branch on it with errors.Is; the wrapped message carries
// the detail for logs.
var ErrMalformed = errors.New("malformed DNS message")

// IsMalformed reports whether err is a parse failure from this package.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed)
}
