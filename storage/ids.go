package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID returns a unique token of the form <prefix>-<unix seconds in
// hex>-<random uuid>. Tokens from one prefix sort roughly by creation
// time.
func NewID(prefix string) (string, error) {
	// Get the current time in UTC
	now := time.Now().UTC().Unix()

	// Generate a random part
	r, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}

	// Format: <prefix>-<timestamp>-<rand>
	return fmt.Sprintf("%s-%x-%s", prefix, now, r), nil
}

// maxTempBase keeps temporary file names within filesystem limits.
const maxTempBase = 64

// tempName returns the name of a temporary file that will later be
// renamed onto a file called base.
func tempName(base string) (string, error) {
	if len(base) > maxTempBase {
		base = base[:maxTempBase]
	}
	r, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.tmp.%s", base, r), nil
}
