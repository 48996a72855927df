// Package login はQRコードログインの状態機械を提供する。
// 外部プロバイダーのチャレンジとブラウザ側のセッションを結び付け、
// 承認されたログインをアイデンティティとして保存する。
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/rollcall/internal/metrics"
	"github.com/hitoshi/rollcall/internal/model"
	"github.com/hitoshi/rollcall/internal/repository"
)

// リレーで送るメッセージ種別
const (
	MsgLoginSuccess = "login_success"
	MsgQRUpdate     = "qr_update"
	MsgStatusUpdate = "status_update"
)

// StepAutoSave はlogin_successのstep。ブラウザ側は受信後に保存APIを呼ぶ。
const StepAutoSave = "auto_save"

// StartResult はStartの戻り値。
type StartResult struct {
	SessionID     string `json:"sessionId"`
	LoginID       string `json:"loginId"`
	QRCodeURL     string `json:"qrCodeUrl"`
	ExpireSeconds int    `json:"expireSeconds"`
}

// SaveRequest はSaveの入力。
// DisplayName・Cookies・ExternalUserIDはプロバイダーが値を返さなかった場合だけ使う。
type SaveRequest struct {
	SessionID      string
	DisplayName    string
	Cookies        model.CookieSet
	ExternalUserID string
}

type loginUserInfo struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type loginSuccessPayload struct {
	Step     string          `json:"step"`
	UserInfo loginUserInfo   `json:"userInfo"`
	Cookies  model.CookieSet `json:"cookies"`
	Message  string          `json:"message"`
}

type qrUpdatePayload struct {
	QRCodeURL string `json:"qrCodeUrl"`
	Message   string `json:"message"`
}

type statusUpdatePayload struct {
	Message string `json:"message"`
}

// Orchestrator はログインセッションのテーブルを持ち、状態遷移を管理する。
type Orchestrator struct {
	provider Provider
	relay    Relay
	store    IdentityStore
	logger   *slog.Logger
	metrics  metrics.Recorder

	challengeTTL time.Duration
	approvedTTL  time.Duration
	now          func() time.Time

	mu          sync.Mutex
	sessions    map[string]*session
	byChallenge map[string]*session
}

// NewOrchestrator はOrchestratorを生成する。
// challengeTTLはスキャン待ちの有効期限、approvedTTLは承認後に保存されないまま残せる期間。
func NewOrchestrator(provider Provider, relay Relay, store IdentityStore, logger *slog.Logger, challengeTTL, approvedTTL time.Duration) *Orchestrator {
	if relay == nil {
		relay = nopRelay{}
	}
	return &Orchestrator{
		provider:     provider,
		relay:        relay,
		store:        store,
		logger:       logger,
		metrics:      metrics.Nop{},
		challengeTTL: challengeTTL,
		approvedTTL:  approvedTTL,
		now:          time.Now,
		sessions:     make(map[string]*session),
		byChallenge:  make(map[string]*session),
	}
}

// SetMetrics はメトリクスの記録先を設定する。
func (o *Orchestrator) SetMetrics(m metrics.Recorder) {
	if m != nil {
		o.metrics = m
	}
}

// SetRelay はリレーを差し替える。リレーとオーケストレーターが互いを参照するため、起動時に後から設定する。
func (o *Orchestrator) SetRelay(r Relay) {
	if r != nil {
		o.relay = r
	}
}

type nopRelay struct{}

func (nopRelay) Push(string, string, any) {}

// Start は新しいログインセッションを作り、プロバイダーにチャレンジを要求する。
// 失敗した場合セッションは破棄され、上流エラーを返す。
func (o *Orchestrator) Start(ctx context.Context) (*StartResult, error) {
	s := &session{
		id:        uuid.NewString(),
		createdAt: o.now(),
		state:     StateAwaitingChallenge,
	}
	o.mu.Lock()
	o.sessions[s.id] = s
	o.mu.Unlock()

	challenge, err := o.provider.InitiateChallenge(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		o.discard(s)
		o.metrics.RecordLoginSession(string(StateFailed))
		o.logger.Warn("QRログインのチャレンジ取得に失敗しました",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProviderUnavailableError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// チャレンジ取得中にCloseされた場合
	if s.state != StateAwaitingChallenge {
		o.provider.Release(challenge.ID)
		return nil, model.NewLoginSessionNotFoundError(s.id)
	}

	s.challengeID = challenge.ID
	s.scannableToken = challenge.ScannableToken
	s.expirySeconds = challenge.ExpirySeconds
	if s.expirySeconds <= 0 {
		s.expirySeconds = int(o.challengeTTL / time.Second)
	}
	s.state = StateChallengeReady
	s.timer = time.AfterFunc(o.challengeTTL, func() { o.expire(s, StateChallengeReady) })

	o.mu.Lock()
	o.byChallenge[challenge.ID] = s
	o.mu.Unlock()

	o.metrics.RecordLoginSession(string(StateChallengeReady))
	o.logger.Info("QRログインを開始しました",
		slog.String("session_id", s.id),
		slog.String("challenge_id", challenge.ID),
	)

	return &StartResult{
		SessionID:     s.id,
		LoginID:       challenge.ID,
		QRCodeURL:     challenge.ScannableToken,
		ExpireSeconds: s.expirySeconds,
	}, nil
}

// Run はプロバイダーの承認通知をctxが終わるかチャネルが閉じるまで処理する。
func (o *Orchestrator) Run(ctx context.Context) {
	approvals := o.provider.Approvals()
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-approvals:
			if !ok {
				return
			}
			o.handleApproval(a)
		}
	}
}

func (o *Orchestrator) handleApproval(a Approval) {
	o.mu.Lock()
	s := o.byChallenge[a.ChallengeID]
	o.mu.Unlock()
	if s == nil {
		o.logger.Info("不明なチャレンジの承認を破棄しました",
			slog.String("challenge_id", a.ChallengeID),
		)
		return
	}

	s.mu.Lock()
	if s.state != StateChallengeReady {
		state := s.state
		s.mu.Unlock()
		o.logger.Info("受付終了後の承認を破棄しました",
			slog.String("session_id", s.id),
			slog.String("state", string(state)),
		)
		return
	}
	s.pending = &model.PendingIdentity{
		ExternalUserID: a.ExternalUserID,
		DisplayName:    a.DisplayName,
		Cookies:        a.Cookies,
	}
	s.state = StateApproved
	s.stopTimer()
	if o.approvedTTL > 0 {
		s.timer = time.AfterFunc(o.approvedTTL, func() { o.expire(s, StateApproved) })
	}
	sessionID := s.id
	s.mu.Unlock()

	o.metrics.RecordLoginSession(string(StateApproved))
	o.logger.Info("QRログインが承認されました",
		slog.String("session_id", sessionID),
		slog.String("external_user_id", a.ExternalUserID),
	)

	o.relay.Push(sessionID, MsgLoginSuccess, loginSuccessPayload{
		Step: StepAutoSave,
		UserInfo: loginUserInfo{
			UserID: a.ExternalUserID,
			Name:   a.DisplayName,
		},
		Cookies: a.Cookies,
		Message: fmt.Sprintf("ログインに成功しました。ユーザー: %s", a.DisplayName),
	})
}

// expire は期限切れタイマーから呼ばれる。expectedと状態が異なれば何もしない。
func (o *Orchestrator) expire(s *session, expected State) {
	s.mu.Lock()
	if s.state != expected {
		s.mu.Unlock()
		return
	}
	s.state = StateExpired
	s.timer = nil
	challengeID := s.challengeID
	s.mu.Unlock()

	o.discard(s)
	o.provider.Release(challengeID)
	o.metrics.RecordLoginSession(string(StateExpired))
	o.logger.Info("QRログインセッションが期限切れになりました",
		slog.String("session_id", s.id),
		slog.String("previous_state", string(expected)),
	)

	msg := "QRコードの有効期限が切れました。もう一度ログインを開始してください。"
	if expected == StateApproved {
		msg = "ログイン情報が保存されないまま期限切れになりました。もう一度ログインしてください。"
	}
	o.relay.Push(s.id, MsgStatusUpdate, statusUpdatePayload{Message: msg})
}

// Save は承認済みセッションのアイデンティティを保存する。
// 外部ユーザーIDが重複した場合、セッションはapprovedのまま残り再試行できる。
func (o *Orchestrator) Save(ctx context.Context, req SaveRequest) (*model.Identity, error) {
	s := o.lookup(req.SessionID)
	if s == nil {
		return nil, model.NewLoginSessionNotFoundError(req.SessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return nil, model.NewLoginSessionNotFoundError(req.SessionID)
	}
	if s.state != StateApproved {
		return nil, model.NewLoginSessionStateError(string(s.state))
	}

	identity := &model.Identity{
		ExternalUserID: s.pending.ExternalUserID,
		DisplayName:    s.pending.DisplayName,
		Cookies:        s.pending.Cookies,
		Status:         model.StatusLoggedIn,
	}
	if identity.Cookies.Empty() {
		identity.Cookies = req.Cookies
	}
	if identity.ExternalUserID == "" {
		identity.ExternalUserID = strings.TrimSpace(req.ExternalUserID)
	}
	if identity.ExternalUserID == "" {
		identity.ExternalUserID = fmt.Sprintf("scan_login_%d", o.now().UnixMilli())
	}

	// プロバイダーが名前を返さなかった場合だけ手入力の名前を使う
	if identity.DisplayName == "" {
		name := strings.TrimSpace(req.DisplayName)
		if name == "" {
			return nil, model.NewEmptyNameError()
		}
		exists, err := o.store.ExistsByDisplayName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to check display name: %w", err)
		}
		if exists {
			return nil, model.NewDuplicateNameError(name)
		}
		identity.DisplayName = name
	}

	if err := o.store.Create(ctx, identity); err != nil {
		if errors.Is(err, repository.ErrDuplicateIdentity) {
			return nil, model.NewDuplicateIdentityError(identity.ExternalUserID)
		}
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	s.state = StatePersisted
	s.stopTimer()
	o.discard(s)
	o.provider.Release(s.challengeID)
	o.metrics.RecordLoginSession(string(StatePersisted))
	o.logger.Info("QRログインのアカウントを保存しました",
		slog.String("session_id", s.id),
		slog.String("account_id", identity.ID),
	)
	return identity, nil
}

// Cancel はセッションを中断する。未知のセッションや終端状態のセッションでは何もしない。
func (o *Orchestrator) Cancel(sessionID string) {
	s := o.lookup(sessionID)
	if s == nil {
		return
	}
	o.fail(s)
}

func (o *Orchestrator) fail(s *session) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.stopTimer()
	challengeID := s.challengeID
	s.mu.Unlock()

	o.discard(s)
	if challengeID != "" {
		o.provider.Release(challengeID)
	}
	o.metrics.RecordLoginSession(string(StateFailed))
	o.logger.Info("QRログインセッションを中断しました", slog.String("session_id", s.id))
}

// Close は残っている全セッションを中断する。シャットダウン時に呼ぶ。
func (o *Orchestrator) Close() {
	o.mu.Lock()
	open := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		open = append(open, s)
	}
	o.mu.Unlock()

	for _, s := range open {
		o.fail(s)
	}
}

// NotifyRegistered はブラウザがリレーに登録したときに呼ばれる。
// スキャン待ちのセッションであればQRコードを再送する。
func (o *Orchestrator) NotifyRegistered(sessionID string) {
	s := o.lookup(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.state != StateChallengeReady {
		s.mu.Unlock()
		return
	}
	token := s.scannableToken
	s.mu.Unlock()

	o.relay.Push(sessionID, MsgQRUpdate, qrUpdatePayload{
		QRCodeURL: token,
		Message:   "QRコードをスキャンしてログインしてください。",
	})
}

// SessionState はセッションの現在の状態を返す。テーブルに無い場合はfalse。
func (o *Orchestrator) SessionState(sessionID string) (State, bool) {
	s := o.lookup(sessionID)
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, true
}

// ActiveSessions はテーブル上のセッション数を返す。
func (o *Orchestrator) ActiveSessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

func (o *Orchestrator) lookup(sessionID string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[sessionID]
}

func (o *Orchestrator) discard(s *session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.sessions, s.id)
	if s.challengeID != "" && o.byChallenge[s.challengeID] == s {
		delete(o.byChallenge, s.challengeID)
	}
}
