package batch

import (
	"fmt"
	"testing"

	"github.com/example/bulk-dispatch/internal/campaign"
)

func phones(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("0101234%04d", i)
	}
	return out
}

func TestSplit_EvenAndRemainder(t *testing.T) {
	t.Parallel()

	content := Content{Channel: campaign.ChannelSMS, BodyText: "hello"}

	tests := []struct {
		name       string
		recipients int
		maxSize    int
		wantGroups int
		lastLen    int
	}{
		{"exact multiple", 100, 50, 2, 50},
		{"remainder", 101, 50, 3, 1},
		{"single group", 10, 50, 1, 10},
		{"size one", 3, 1, 3, 1},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			groups, err := Split(phones(tc.recipients), content, tc.maxSize)
			if err != nil {
				t.Fatalf("Split() error: %v", err)
			}
			if len(groups) != tc.wantGroups {
				t.Fatalf("expected %d groups, got %d", tc.wantGroups, len(groups))
			}
			if got := len(groups[len(groups)-1].Recipients); got != tc.lastLen {
				t.Fatalf("expected last group of %d, got %d", tc.lastLen, got)
			}

			total := 0
			for i, g := range groups {
				if g.Index != i {
					t.Fatalf("expected group index %d, got %d", i, g.Index)
				}
				if g.Content != content {
					t.Fatalf("expected shared content on group %d", i)
				}
				total += len(g.Recipients)
			}
			if total != tc.recipients {
				t.Fatalf("expected %d recipients across groups, got %d", tc.recipients, total)
			}
		})
	}
}

func TestSplit_Deterministic(t *testing.T) {
	t.Parallel()

	in := phones(7)
	content := Content{Channel: campaign.ChannelSMS, BodyText: "x"}

	a, err := Split(in, content, 3)
	if err != nil {
		t.Fatalf("Split() error: %v", err)
	}
	b, err := Split(in, content, 3)
	if err != nil {
		t.Fatalf("Split() error: %v", err)
	}

	for i := range a {
		if len(a[i].Recipients) != len(b[i].Recipients) {
			t.Fatalf("group %d sizes differ", i)
		}
		for j := range a[i].Recipients {
			if a[i].Recipients[j] != b[i].Recipients[j] {
				t.Fatalf("group %d recipient %d differs", i, j)
			}
		}
	}
}

func TestSplit_InvalidArgs(t *testing.T) {
	t.Parallel()

	content := Content{Channel: campaign.ChannelSMS}

	if _, err := Split(phones(5), content, 0); err == nil {
		t.Fatalf("expected error for max size 0")
	}
	if _, err := Split(nil, content, 10); err == nil {
		t.Fatalf("expected error for empty recipients")
	}
}
