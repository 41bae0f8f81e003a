package recipient

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/bulk-dispatch/internal/campaign"
	"github.com/example/bulk-dispatch/internal/phone"
)

// Directory is the customer directory collaborator. LookupOptOut must accept
// the whole batch in one call; the resolver never issues per-recipient
// lookups.
type Directory interface {
	LookupOptOut(ctx context.Context, phones []string) (map[string]bool, error)
}

// Resolution is the final send list plus the exclusion counters exposed for
// observability.
type Resolution struct {
	Recipients   []string `json:"recipients"`
	InvalidCount int      `json:"invalid_count"`
	OptOutCount  int      `json:"opt_out_count"`
}

type Resolver struct {
	dir    Directory
	logger zerolog.Logger
}

func NewResolver(dir Directory, logger zerolog.Logger) *Resolver {
	return &Resolver{dir: dir, logger: logger}
}

// Resolve normalizes raw, drops invalid entries, de-duplicates preserving
// first-seen order, and removes opted-out recipients via one batched
// directory lookup. An empty final list is an error, never a silent success.
func (r *Resolver) Resolve(ctx context.Context, raw []string) (Resolution, error) {
	var res Resolution

	seen := make(map[string]struct{}, len(raw))
	normalized := make([]string, 0, len(raw))
	for _, entry := range raw {
		n, ok := phone.Normalize(entry)
		if !ok {
			res.InvalidCount++
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		normalized = append(normalized, n)
	}

	if len(normalized) == 0 {
		return res, campaign.ErrNoValidRecipients
	}

	optOut, err := r.dir.LookupOptOut(ctx, normalized)
	if err != nil {
		return res, fmt.Errorf("opt-out lookup: %w", err)
	}

	final := normalized[:0]
	for _, n := range normalized {
		if optOut[n] {
			res.OptOutCount++
			continue
		}
		final = append(final, n)
	}
	res.Recipients = final

	if res.InvalidCount > 0 || res.OptOutCount > 0 {
		r.logger.Info().
			Int("invalid", res.InvalidCount).
			Int("opt_out", res.OptOutCount).
			Int("final", len(final)).
			Msg("recipients excluded during resolution")
	}

	if len(final) == 0 {
		return res, campaign.ErrNoValidRecipients
	}
	return res, nil
}
