package batch

import (
	"errors"

	"github.com/example/bulk-dispatch/internal/campaign"
)

// Content is the payload shared by every group of one message.
type Content struct {
	Channel    campaign.Channel
	BodyText   string
	ImageRef   string
	ButtonText string
	ButtonLink string
}

// Group is one gateway-sized slice of the recipient list. Index is the
// provisional local position; the dispatch client fills in the gateway's
// group identifier per index after submission.
type Group struct {
	Index      int
	Recipients []string
	Content    Content
}

// Split partitions recipients into groups of at most maxSize, in order
// (first N, next N, ...). The split is deterministic so that re-batching
// after a partial failure reproduces the same groups.
func Split(recipients []string, content Content, maxSize int) ([]Group, error) {
	if maxSize <= 0 {
		return nil, errors.New("max group size must be > 0")
	}
	if len(recipients) == 0 {
		return nil, errors.New("recipients must not be empty")
	}

	groups := make([]Group, 0, (len(recipients)+maxSize-1)/maxSize)
	for start := 0; start < len(recipients); start += maxSize {
		end := start + maxSize
		if end > len(recipients) {
			end = len(recipients)
		}
		groups = append(groups, Group{
			Index:      len(groups),
			Recipients: recipients[start:end],
			Content:    content,
		})
	}
	return groups, nil
}
