package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/example/bulk-dispatch/internal/campaign"
)

// Store remembers prepare-request fingerprints for a bounded TTL so that a
// double-submitted campaign does not create two message rows. The store is
// injected explicitly; there is no process-global cache.
type Store interface {
	// Remember records fp and reports whether it had already been seen
	// within the TTL window.
	Remember(ctx context.Context, fp string) (seen bool, err error)

	// Forget drops fp before its TTL expires. Used when the work guarded by
	// the fingerprint failed, so a retry is not locked out for the rest of
	// the window.
	Forget(ctx context.Context, fp string) error
}

// Fingerprint derives a stable identity for one prepare request. Recipient
// order does not matter: the same audience with the same content on the same
// channel is the same request.
func Fingerprint(channel campaign.Channel, body string, recipients []string) string {
	sorted := make([]string, len(recipients))
	copy(sorted, recipients)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(channel))
	h.Write([]byte{0})
	h.Write([]byte(body))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(h.Sum(nil))
}
