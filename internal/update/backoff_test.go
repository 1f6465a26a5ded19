package update

import (
	"testing"

	"github.com/hitoshi/feedsync/internal/model"
)

func TestWaitPeriodInRefreshes(t *testing.T) {
	want := []int{0, 0, 0, 1, 1, 2, 3, 5, 8, 13, 21}
	for n, w := range want {
		if got := WaitPeriodInRefreshes(n); got != w {
			t.Errorf("WaitPeriodInRefreshes(%d) = %d, want %d", n, got, w)
		}
	}
	for n := 5; n < 20; n++ {
		if WaitPeriodInRefreshes(n) != WaitPeriodInRefreshes(n-1)+WaitPeriodInRefreshes(n-2) {
			t.Errorf("n=%d で漸化式が成り立たない", n)
		}
	}
	if got := WaitPeriodInRefreshes(-1); got != 0 {
		t.Errorf("負の世代: got %d, want 0", got)
	}
}

func TestApplyBackoff(t *testing.T) {
	f := model.NewFeed(model.FeedFields{URL: "https://example.com/feed", WaitPeriod: 2})

	ApplyBackoff(f, false)
	if f.WaitPeriod() != 3 || f.RemainingWait() != 1 {
		t.Errorf("変更なし: got waitPeriod=%d remainingWait=%d, want 3/1", f.WaitPeriod(), f.RemainingWait())
	}

	ApplyBackoff(f, false)
	ApplyBackoff(f, false)
	if f.WaitPeriod() != 5 || f.RemainingWait() != 2 {
		t.Errorf("変更なし3回: got waitPeriod=%d remainingWait=%d, want 5/2", f.WaitPeriod(), f.RemainingWait())
	}

	ApplyBackoff(f, true)
	if f.WaitPeriod() != 0 || f.RemainingWait() != 0 {
		t.Errorf("変更あり: got waitPeriod=%d remainingWait=%d, want 0/0", f.WaitPeriod(), f.RemainingWait())
	}
}
