package gateway

import (
	"context"

	"github.com/example/bulk-dispatch/internal/batch"
	"github.com/example/bulk-dispatch/internal/campaign"
)

// Gateway is the opaque external messaging provider. SubmitGroup hands one
// batch of recipients plus shared content to the provider and returns its
// group identifier synchronously; FetchGroupStatus returns the current
// delivery snapshot for each requested group.
type Gateway interface {
	SubmitGroup(ctx context.Context, content batch.Content, recipients []string) (groupID string, err error)
	FetchGroupStatus(ctx context.Context, groupIDs []string) ([]campaign.GroupStatus, error)
}
