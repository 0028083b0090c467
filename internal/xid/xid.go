package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns a prefixed unique identifier, e.g. "sale-1a2b3c...".
func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// Receipt returns a human-readable receipt number: an RCP prefix, the UTC
// date, and a short unique suffix. Uniqueness is enforced by the store; a
// collision is retried by the caller with a fresh number.
func Receipt(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("RCP-%s-%s", at.UTC().Format("20060102"), suffix)
}
