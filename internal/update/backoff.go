package update

import "github.com/hitoshi/feedsync/internal/model"

// WaitPeriodInRefreshes は待機世代nに対して取得を見送る更新回数を返す。
// 0, 0, 0, 1, 1, 2, 3, 5, 8, ... と2つずれたフィボナッチ数列になる。
func WaitPeriodInRefreshes(n int) int {
	ret, next := 0, 1
	for range max(0, n-2) {
		ret, next = next, ret+next
	}
	return ret
}

// ApplyBackoff は取得結果に応じて待機世代と残り待機回数を更新する。
// 新規・変更記事があれば両方を0に戻し、なければ世代を1つ進める。
func ApplyBackoff(f *model.Feed, changed bool) {
	if changed {
		f.SetWaitPeriod(0)
		f.SetRemainingWait(0)
		return
	}
	period := f.WaitPeriod() + 1
	f.SetWaitPeriod(period)
	f.SetRemainingWait(WaitPeriodInRefreshes(period))
}
