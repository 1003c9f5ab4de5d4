package ports

import "github.com/layer-3/attendance/core"

// Tokenizer converts between tokens and their wire form and signs them
type Tokenizer interface {
	// Wire operations
	Encode(token core.Token) (string, error)
	Decode(raw string) (core.Token, error)

	// Signature operations, keyed by the session secret
	Sign(token core.Token, secret string) (string, error)
	Verify(token core.Token, secret string) error
}
