package verify

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler はログイン状態の確認を一定間隔で繰り返す。
type Scheduler struct {
	verifier *Verifier
	logger   *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(verifier *Verifier, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		verifier: verifier,
		logger:   logger,
	}
}

// Start はinterval間隔でRunOnceを実行する。
// コンテキストがキャンセルされるまで実行を継続する。起動直後には実行しない。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("ログイン状態確認スケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ログイン状態確認スケジューラを停止しました")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("ログイン状態確認サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はCookieを持つ全アイデンティティを1回確認し、結果を返す。
func (s *Scheduler) RunOnce(ctx context.Context) ([]Outcome, error) {
	start := time.Now()
	outcomes, err := s.verifier.VerifyStored(ctx)
	if err != nil {
		return outcomes, err
	}

	s.logger.Info("ログイン状態確認サイクルが完了しました",
		slog.Int("total", len(outcomes)),
		slog.Int("logged_in", CountLoggedIn(outcomes)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return outcomes, nil
}
