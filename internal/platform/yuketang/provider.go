package yuketang

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/net/websocket"

	"github.com/hitoshi/rollcall/internal/login"
	"github.com/hitoshi/rollcall/internal/model"
	"github.com/hitoshi/rollcall/internal/probe"
)

// DefaultWSURL は本番環境のログイン用WebSocket。
const DefaultWSURL = "wss://www.yuketang.cn/wsapp/"

const (
	warmupTimeout   = 30 * time.Second
	exchangeTimeout = 10 * time.Second
	replyTimeout    = 15 * time.Second
	approvalBuffer  = 16
)

// ログインページを開いたときと同じCookieを揃えるために先に読み込むページ
var warmupPaths = []string{
	"/v2/web/index",
	"/web?next=/v2/web/index&type=3",
}

// wsFrame はログイン用WebSocketのフレーム。requestloginとloginsuccessで使う項目だけを持つ。
type wsFrame struct {
	Op            string     `json:"op"`
	Ticket        string     `json:"ticket"`
	LoginID       flexString `json:"loginid"`
	ExpireSeconds int        `json:"expire_seconds"`
	UserID        flexString `json:"UserID"`
	Auth          string     `json:"Auth"`
	Name          string     `json:"Name"`
}

type requestLoginFrame struct {
	Op      string  `json:"op"`
	Role    string  `json:"role"`
	Version float64 `json:"version"`
	Type    string  `json:"type"`
	From    string  `json:"from"`
}

// pendingLogin はスキャン待ちの1チャレンジ分の上流接続。
type pendingLogin struct {
	ws     *websocket.Conn
	client *http.Client
	once   sync.Once
}

func (p *pendingLogin) close() {
	p.once.Do(func() { _ = p.ws.Close() })
}

// Provider は雨課堂のQRログインを扱うlogin.Providerの実装。
// チャレンジごとにCookieJar付きのHTTPクライアントとWebSocket接続を持つ。
type Provider struct {
	baseURL      string
	wsURL        string
	challengeTTL time.Duration
	logger       *slog.Logger

	approvals chan login.Approval
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string]*pendingLogin
}

// NewProvider はProviderを生成する。challengeTTLを過ぎた上流接続は閉じる。
func NewProvider(baseURL, wsURL string, challengeTTL time.Duration, logger *slog.Logger) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &Provider{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		wsURL:        wsURL,
		challengeTTL: challengeTTL,
		logger:       logger,
		approvals:    make(chan login.Approval, approvalBuffer),
		done:         make(chan struct{}),
		pending:      make(map[string]*pendingLogin),
	}
}

var _ login.Provider = (*Provider)(nil)

// Approvals は承認通知のチャネルを返す。
func (p *Provider) Approvals() <-chan login.Approval {
	return p.approvals
}

// InitiateChallenge はログインページを読み込んでCookieを揃え、
// WebSocketでrequestloginを送りQRコードのチケットを受け取る。
func (p *Provider) InitiateChallenge(ctx context.Context) (*login.Challenge, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	client := &http.Client{Jar: jar, Timeout: warmupTimeout}

	for _, path := range warmupPaths {
		if err := p.warmup(ctx, client, p.baseURL+path); err != nil {
			// 事前読み込みの失敗だけではログインできないとは限らない
			p.logger.Warn("ログインページの事前読み込みに失敗しました",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}

	ws, err := p.dial(ctx, jar)
	if err != nil {
		return nil, fmt.Errorf("failed to connect login websocket: %w", err)
	}

	frame, err := p.requestLogin(ws)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	loginID := string(frame.LoginID)
	pl := &pendingLogin{ws: ws, client: client}
	p.mu.Lock()
	p.pending[loginID] = pl
	p.mu.Unlock()

	go p.awaitApproval(loginID, pl)

	return &login.Challenge{
		ID:             loginID,
		ScannableToken: frame.Ticket,
		ExpirySeconds:  frame.ExpireSeconds,
	}, nil
}

func (p *Provider) warmup(ctx context.Context, client *http.Client, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", probe.DefaultUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (p *Provider) dial(ctx context.Context, jar http.CookieJar) (*websocket.Conn, error) {
	cfg, err := websocket.NewConfig(p.wsURL, p.baseURL)
	if err != nil {
		return nil, err
	}
	cfg.Header = make(http.Header)
	cfg.Header.Set("User-Agent", probe.DefaultUserAgent)
	if base, err := url.Parse(p.baseURL); err == nil {
		cookies := jar.Cookies(base)
		if len(cookies) > 0 {
			parts := make([]string, 0, len(cookies))
			for _, c := range cookies {
				parts = append(parts, c.Name+"="+c.Value)
			}
			cfg.Header.Set("Cookie", strings.Join(parts, "; "))
		}
	}
	return cfg.DialContext(ctx)
}

// requestLogin はrequestloginを送り、チケットを含む応答を待つ。
func (p *Provider) requestLogin(ws *websocket.Conn) (*wsFrame, error) {
	if err := websocket.JSON.Send(ws, requestLoginFrame{
		Op:      "requestlogin",
		Role:    "web",
		Version: 1.4,
		Type:    "qrcode",
		From:    "web",
	}); err != nil {
		return nil, fmt.Errorf("failed to send requestlogin: %w", err)
	}

	if err := ws.SetReadDeadline(time.Now().Add(replyTimeout)); err != nil {
		return nil, err
	}
	for {
		var frame wsFrame
		if err := websocket.JSON.Receive(ws, &frame); err != nil {
			if isFrameDecodeError(err) {
				p.logger.Warn("解釈できないフレームを無視しました", slog.String("error", err.Error()))
				continue
			}
			return nil, fmt.Errorf("failed to receive requestlogin reply: %w", err)
		}
		if frame.Op == "requestlogin" && frame.Ticket != "" {
			if frame.LoginID == "" {
				return nil, errors.New("requestlogin reply has no loginid")
			}
			return &frame, nil
		}
	}
}

// awaitApproval はloginsuccessを待ち、Cookieを取得してApprovalを送る。
// 期限切れやReleaseで接続が閉じられると終了する。
func (p *Provider) awaitApproval(loginID string, pl *pendingLogin) {
	defer p.Release(loginID)

	deadline := time.Time{}
	if p.challengeTTL > 0 {
		deadline = time.Now().Add(p.challengeTTL)
	}
	_ = pl.ws.SetReadDeadline(deadline)
	for {
		var frame wsFrame
		if err := websocket.JSON.Receive(pl.ws, &frame); err != nil {
			if isFrameDecodeError(err) {
				p.logger.Warn("解釈できないフレームを無視しました",
					slog.String("challenge_id", loginID),
					slog.String("error", err.Error()),
				)
				continue
			}
			p.logger.Debug("ログイン用WebSocketの待機を終了しました",
				slog.String("challenge_id", loginID),
				slog.String("error", err.Error()),
			)
			return
		}
		if frame.Op != "loginsuccess" {
			continue
		}
		if frame.UserID == "" || frame.Auth == "" {
			p.logger.Warn("loginsuccessにUserIDまたはAuthがありません", slog.String("challenge_id", loginID))
			return
		}

		cookies, err := p.exchange(pl.client, string(frame.UserID), frame.Auth)
		if err != nil {
			p.logger.Error("ログインCookieの取得に失敗しました",
				slog.String("challenge_id", loginID),
				slog.String("error", err.Error()),
			)
			return
		}

		approval := login.Approval{
			ChallengeID:    loginID,
			ExternalUserID: string(frame.UserID),
			DisplayName:    frame.Name,
			Cookies:        cookies,
		}
		select {
		case p.approvals <- approval:
		case <-p.done:
		}
		return
	}
}

// isFrameDecodeError はフレーム1つの解釈に失敗しただけで、接続は引き続き読めるときにtrueを返す。
func isFrameDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, websocket.ErrFrameTooLarge)
}

type webLoginRequest struct {
	UserID json.RawMessage `json:"UserID"`
	Auth   string          `json:"Auth"`
}

type webLoginResponse struct {
	Success bool `json:"success"`
}

// exchange はUserIDとAuthを/pc/web_loginに送り、CookieJarに入ったCookieを返す。
func (p *Provider) exchange(client *http.Client, userID, auth string) (model.CookieSet, error) {
	ctx, cancel := context.WithTimeout(context.Background(), exchangeTimeout)
	defer cancel()

	// UserIDは数値のまま送る
	rawID := json.RawMessage(userID)
	if !json.Valid(rawID) {
		quoted, _ := json.Marshal(userID)
		rawID = quoted
	}
	payload, err := json.Marshal(webLoginRequest{UserID: rawID, Auth: auth})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/pc/web_login", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("User-Agent", probe.DefaultUserAgent)
	req.Header.Set("Referer", p.baseURL+"/web")
	req.Header.Set("Origin", p.baseURL)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body webLoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode web_login response (status %d): %w", resp.StatusCode, err)
	}
	if !body.Success {
		return nil, fmt.Errorf("web_login rejected (status %d)", resp.StatusCode)
	}

	base, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, err
	}
	jarCookies := client.Jar.Cookies(base)
	cookies := make(model.CookieSet, 0, len(jarCookies))
	for _, c := range jarCookies {
		cookies = append(cookies, model.Cookie{Key: c.Name, Value: c.Value})
	}
	if cookies.Empty() {
		return nil, errors.New("web_login returned no cookies")
	}
	return cookies, nil
}

// Release はチャレンジの上流接続を閉じる。未知のIDや2回目以降の呼び出しでは何もしない。
func (p *Provider) Release(challengeID string) {
	p.mu.Lock()
	pl := p.pending[challengeID]
	delete(p.pending, challengeID)
	p.mu.Unlock()

	if pl != nil {
		pl.close()
	}
}

// Pending はスキャン待ちのチャレンジ数を返す。
func (p *Provider) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close は全ての上流接続を閉じる。承認チャネルは閉じない。
func (p *Provider) Close() {
	p.closeOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	all := p.pending
	p.pending = make(map[string]*pendingLogin)
	p.mu.Unlock()

	for _, pl := range all {
		pl.close()
	}
}
