package probe

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// FanOut はn件の処理をすべて同時に開始し、全件の完了を待つ。
// fnはインデックスで結果スライスに書き込むことで、完了順ではなく入力順の結果を得る。
// fn内の失敗は呼び出し側で結果に記録すること（FanOutは失敗で打ち切らない）。
func FanOut(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

// Batched はn件の処理をsize件ずつのバッチに分け、バッチ内は同時に、
// バッチ間はpauseだけ待って順に実行する。最後のバッチの後は待たない。
// ctxがキャンセルされた場合は未着手のバッチを実行せずctx.Err()を返す。
func Batched(ctx context.Context, n, size int, pause time.Duration, fn func(ctx context.Context, i int)) error {
	if size < 1 {
		size = 1
	}
	for start := 0; start < n; start += size {
		if start > 0 && pause > 0 {
			timer := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(start+size, n)
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				fn(ctx, i)
				return nil
			})
		}
		_ = g.Wait()
	}
	return nil
}
