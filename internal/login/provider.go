package login

import (
	"context"

	"github.com/hitoshi/rollcall/internal/model"
)

// Challenge は外部ログインプロバイダーが発行したQRログインのチャレンジ。
type Challenge struct {
	ID             string
	ScannableToken string
	ExpirySeconds  int
}

// Approval はスキャン完了後にプロバイダーから届く承認通知。
// Cookiesはプロバイダーが取得した認証Cookie。
type Approval struct {
	ChallengeID    string
	ExternalUserID string
	DisplayName    string
	Cookies        model.CookieSet
}

// Provider は外部ログインプロバイダーとの境界。
// 承認はApprovalsのチャネル経由で非同期に届く。
type Provider interface {
	// InitiateChallenge は新しいQRログインのチャレンジを開始する。
	InitiateChallenge(ctx context.Context) (*Challenge, error)
	// Approvals は承認通知を受け取るチャネルを返す。
	Approvals() <-chan Approval
	// Release はチャレンジに紐づく上流の接続を閉じる。複数回呼んでもよい。
	Release(challengeID string)
}

// Relay はブラウザセッションへのメッセージ送信。未接続のセッションへの送信は無視される。
type Relay interface {
	Push(sessionID, msgType string, payload any)
}

// IdentityStore はログイン保存時に使うストア。
type IdentityStore interface {
	Create(ctx context.Context, identity *model.Identity) error
	ExistsByDisplayName(ctx context.Context, displayName string) (bool, error)
}
