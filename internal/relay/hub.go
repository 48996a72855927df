// Package relay はブラウザセッションごとのWebSocket接続を保持し、
// サーバー側のイベントを該当セッションへ届ける。
// 未接続のセッション宛てのメッセージはバッファせず破棄する。
package relay

import (
	"log/slog"
	"sync"

	"github.com/hitoshi/rollcall/internal/metrics"
)

// メッセージ種別
const (
	TypeRegistered   = "registered"
	TypeSigninResult = "signin_result"
	TypeSigninError  = "signin_error"
)

// Envelope はブラウザへ送るメッセージ。
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Channel は1本のブラウザ接続への送信口。
type Channel interface {
	Send(env Envelope) error
}

// Hub はセッションIDと接続の対応表。
type Hub struct {
	mu       sync.RWMutex
	channels map[string]Channel

	logger     *slog.Logger
	metrics    metrics.Recorder
	onRegister func(sessionID string)
}

// NewHub はHubを生成する。
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		channels: make(map[string]Channel),
		logger:   logger,
		metrics:  metrics.Nop{},
	}
}

// SetMetrics はメトリクスの記録先を設定する。
func (h *Hub) SetMetrics(m metrics.Recorder) {
	if m != nil {
		h.metrics = m
	}
}

// OnRegister は登録完了時に呼ばれるフックを設定する。起動時に1回だけ呼ぶ。
func (h *Hub) OnRegister(fn func(sessionID string)) {
	h.onRegister = fn
}

// Register はセッションIDに接続を紐付ける。既存の紐付けは上書きする。
// 新しい接続にはregisteredを送る。
func (h *Hub) Register(sessionID string, ch Channel) {
	h.mu.Lock()
	h.channels[sessionID] = ch
	n := len(h.channels)
	h.mu.Unlock()

	h.metrics.SetRelayChannels(n)
	h.logger.Debug("リレーにセッションを登録しました", slog.String("session_id", sessionID))

	if err := ch.Send(Envelope{Type: TypeRegistered, SessionID: sessionID}); err != nil {
		h.logger.Debug("registeredの送信に失敗しました",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	if h.onRegister != nil {
		h.onRegister(sessionID)
	}
}

// Push はセッションにメッセージを送る。紐付けが無い場合や送信に失敗した場合は何もしない。
func (h *Hub) Push(sessionID, msgType string, payload any) {
	h.mu.RLock()
	ch := h.channels[sessionID]
	h.mu.RUnlock()
	if ch == nil {
		return
	}

	if err := ch.Send(Envelope{Type: msgType, Data: payload}); err != nil {
		h.logger.Debug("リレーへの送信に失敗しました",
			slog.String("session_id", sessionID),
			slog.String("type", msgType),
			slog.String("error", err.Error()),
		)
	}
}

// Unregister は閉じた接続に紐付く全セッションを取り除く。
func (h *Hub) Unregister(ch Channel) {
	h.mu.Lock()
	for id, c := range h.channels {
		if c == ch {
			delete(h.channels, id)
		}
	}
	n := len(h.channels)
	h.mu.Unlock()

	h.metrics.SetRelayChannels(n)
}

// Len は紐付け済みのセッション数を返す。
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}
