package recipient

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/bulk-dispatch/internal/campaign"
)

type fakeDirectory struct {
	optOut map[string]bool
	err    error

	calls      int
	gotBatches [][]string
}

func (f *fakeDirectory) LookupOptOut(ctx context.Context, phones []string) (map[string]bool, error) {
	f.calls++
	f.gotBatches = append(f.gotBatches, phones)
	if f.err != nil {
		return nil, f.err
	}
	return f.optOut, nil
}

func TestResolve_DedupAndInvalidExclusion(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{}
	r := NewResolver(dir, zerolog.Nop())

	res, err := r.Resolve(context.Background(), []string{"010-1234-5678", "01012345678", "123"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if len(res.Recipients) != 1 || res.Recipients[0] != "01012345678" {
		t.Fatalf("expected [01012345678], got %v", res.Recipients)
	}
	if res.InvalidCount != 1 {
		t.Fatalf("expected invalid count 1, got %d", res.InvalidCount)
	}
	if res.OptOutCount != 0 {
		t.Fatalf("expected opt-out count 0, got %d", res.OptOutCount)
	}
}

func TestResolve_PreservesFirstSeenOrder(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{}
	r := NewResolver(dir, zerolog.Nop())

	res, err := r.Resolve(context.Background(), []string{
		"0109999:0000", // normalizes to 01099990000
		"010-1111-2222",
		"01099990000", // duplicate of the first
		"010 3333 4444",
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	want := []string{"01099990000", "01011112222", "01033334444"}
	if len(res.Recipients) != len(want) {
		t.Fatalf("expected %d recipients, got %v", len(want), res.Recipients)
	}
	for i := range want {
		if res.Recipients[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], res.Recipients[i])
		}
	}
}

func TestResolve_OptOutExclusion(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{optOut: map[string]bool{"01011112222": true}}
	r := NewResolver(dir, zerolog.Nop())

	res, err := r.Resolve(context.Background(), []string{
		"010-0000-1111",
		"010-1111-2222",
		"010-2222-3333",
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if len(res.Recipients) != 2 {
		t.Fatalf("expected 2 recipients, got %v", res.Recipients)
	}
	if res.OptOutCount != 1 {
		t.Fatalf("expected opt-out count 1, got %d", res.OptOutCount)
	}
}

func TestResolve_SingleBatchedLookup(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{}
	r := NewResolver(dir, zerolog.Nop())

	raw := make([]string, 0, 500)
	for i := 0; i < 500; i++ {
		raw = append(raw, "0101234"+pad4(i))
	}

	if _, err := r.Resolve(context.Background(), raw); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if dir.calls != 1 {
		t.Fatalf("expected exactly one directory lookup, got %d", dir.calls)
	}
	if len(dir.gotBatches[0]) != 500 {
		t.Fatalf("expected batch of 500, got %d", len(dir.gotBatches[0]))
	}
}

func TestResolve_EmptyResultIsError(t *testing.T) {
	t.Parallel()

	t.Run("all invalid", func(t *testing.T) {
		t.Parallel()

		dir := &fakeDirectory{}
		r := NewResolver(dir, zerolog.Nop())

		_, err := r.Resolve(context.Background(), []string{"123", "abc"})
		if !errors.Is(err, campaign.ErrNoValidRecipients) {
			t.Fatalf("expected ErrNoValidRecipients, got %v", err)
		}
		if dir.calls != 0 {
			t.Fatalf("expected no directory lookup for empty normalized list, got %d", dir.calls)
		}
	})

	t.Run("all opted out", func(t *testing.T) {
		t.Parallel()

		dir := &fakeDirectory{optOut: map[string]bool{"01012345678": true}}
		r := NewResolver(dir, zerolog.Nop())

		res, err := r.Resolve(context.Background(), []string{"010-1234-5678"})
		if !errors.Is(err, campaign.ErrNoValidRecipients) {
			t.Fatalf("expected ErrNoValidRecipients, got %v", err)
		}
		if res.OptOutCount != 1 {
			t.Fatalf("expected opt-out count 1, got %d", res.OptOutCount)
		}
	})
}

func TestResolve_DirectoryError(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{err: errors.New("directory down")}
	r := NewResolver(dir, zerolog.Nop())

	_, err := r.Resolve(context.Background(), []string{"010-1234-5678"})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func pad4(i int) string {
	digits := []byte{'0', '0', '0', '0'}
	for p := 3; p >= 0 && i > 0; p-- {
		digits[p] = byte('0' + i%10)
		i /= 10
	}
	return string(digits)
}
