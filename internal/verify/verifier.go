// Package verify は保存済みアイデンティティのCookieがまだ有効かを
// プラットフォームのwho-am-I APIで確認し、ログイン状態を更新する。
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/rollcall/internal/metrics"
	"github.com/hitoshi/rollcall/internal/model"
	"github.com/hitoshi/rollcall/internal/probe"
	"github.com/hitoshi/rollcall/internal/repository"
)

// 結果メッセージ
const (
	MessageLoggedIn  = "ログイン中です。"
	MessageExpired   = "Cookieが無効になっています。"
	MessageNoCookies = "Cookieが保存されていません。"
	MessageFailed    = "ログイン状態の確認に失敗しました。"
)

// StatusStore はログイン状態の読み書きを行うストア。
type StatusStore interface {
	ListWithCookies(ctx context.Context) ([]*model.Identity, error)
	UpdateStatus(ctx context.Context, id string, status model.LoginStatus) error
}

// WhoAmIProber はCookieでプラットフォームに問い合わせ、ログイン中のユーザー情報を返す。
// 応答は得られたがユーザーを特定できない場合は(nil, nil)を返す。
// トランスポート失敗や想定外の応答はerrorを返す。
type WhoAmIProber interface {
	WhoAmI(ctx context.Context, cookies model.CookieSet) (*model.PlatformUserInfo, error)
}

// Outcome はアイデンティティ1件分の確認結果。
type Outcome struct {
	IdentityID  string                  `json:"accountId"`
	DisplayName string                  `json:"name"`
	Status      model.LoginStatus       `json:"status"`
	Message     string                  `json:"message"`
	UserInfo    *model.PlatformUserInfo `json:"userInfo,omitempty"`
}

// Verifier はログイン状態の確認を行う。
type Verifier struct {
	store       StatusStore
	prober      WhoAmIProber
	logger      *slog.Logger
	metrics     metrics.Recorder
	concurrency int
	pause       time.Duration
}

// NewVerifier はVerifierを生成する。
// concurrencyはVerifyAllの1バッチの件数、pauseはバッチ間の待機時間。
func NewVerifier(store StatusStore, prober WhoAmIProber, logger *slog.Logger, concurrency int, pause time.Duration) *Verifier {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Verifier{
		store:       store,
		prober:      prober,
		logger:      logger,
		metrics:     metrics.Nop{},
		concurrency: concurrency,
		pause:       pause,
	}
}

// SetMetrics はメトリクスの記録先を設定する。
func (v *Verifier) SetMetrics(m metrics.Recorder) {
	if m != nil {
		v.metrics = m
	}
}

// VerifyOne は1件のアイデンティティを確認し、結果のステータスをストアへ書き込む。
// Cookieがない場合はネットワークに触れずLoggedOutとする。
func (v *Verifier) VerifyOne(ctx context.Context, identity *model.Identity) Outcome {
	outcome := Outcome{
		IdentityID:  identity.ID,
		DisplayName: identity.DisplayName,
		Status:      model.StatusLoggedOut,
	}

	switch {
	case !identity.HasCookies():
		outcome.Message = MessageNoCookies
	default:
		info, err := v.prober.WhoAmI(ctx, identity.Cookies)
		switch {
		case err != nil:
			outcome.Message = MessageFailed
			v.logger.Warn("ログイン状態の確認に失敗しました",
				slog.String("account_id", identity.ID),
				slog.String("name", identity.DisplayName),
				slog.String("error", err.Error()),
			)
		case info == nil:
			outcome.Message = MessageExpired
		default:
			outcome.Status = model.StatusLoggedIn
			outcome.Message = MessageLoggedIn
			outcome.UserInfo = info
		}
	}

	// 呼び出し元のキャンセルで状態の書き込みが失われないようにする
	writeCtx := context.WithoutCancel(ctx)
	if err := v.store.UpdateStatus(writeCtx, identity.ID, outcome.Status); err != nil {
		if errors.Is(err, repository.ErrIdentityNotFound) {
			v.logger.Info("確認中にアカウントが削除されました",
				slog.String("account_id", identity.ID),
			)
		} else {
			v.logger.Error("ログイン状態の更新に失敗しました",
				slog.String("account_id", identity.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	v.metrics.RecordVerify(outcome.Status == model.StatusLoggedIn)
	return outcome
}

// VerifyAll は複数のアイデンティティをバッチ単位で確認する。
// バッチ内は同時に実行し、バッチ間はpauseだけ待つ。結果は入力順に並ぶ。
// ctxがキャンセルされた場合は確認済みの結果だけを返す。
func (v *Verifier) VerifyAll(ctx context.Context, identities []*model.Identity) ([]Outcome, error) {
	outcomes := make([]Outcome, len(identities))
	done := make([]bool, len(identities))

	err := probe.Batched(ctx, len(identities), v.concurrency, v.pause, func(ctx context.Context, i int) {
		outcomes[i] = v.VerifyOne(ctx, identities[i])
		done[i] = true
	})
	if err != nil {
		completed := make([]Outcome, 0, len(outcomes))
		for i, ok := range done {
			if ok {
				completed = append(completed, outcomes[i])
			}
		}
		return completed, err
	}
	return outcomes, nil
}

// VerifyStored はCookieを持つ全アイデンティティを確認する。
func (v *Verifier) VerifyStored(ctx context.Context) ([]Outcome, error) {
	identities, err := v.store.ListWithCookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	return v.VerifyAll(ctx, identities)
}

// CountLoggedIn はLoggedInの件数を返す。
func CountLoggedIn(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Status == model.StatusLoggedIn {
			n++
		}
	}
	return n
}
