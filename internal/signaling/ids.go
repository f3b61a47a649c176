package signaling

import (
	gonanoid "github.com/jaevor/go-nanoid"
)

const connectionIDLength = 20

// newIDGenerator returns a generator of URL-safe connection ids.
func newIDGenerator() (func() string, error) {
	return gonanoid.Standard(connectionIDLength)
}
