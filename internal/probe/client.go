// Package probe はアイデンティティのCookieを付与した認証付きHTTPリクエストと、
// それを複数アイデンティティへ並行に適用する実行ポリシーを提供する。
// チェックイン（dispatch）とログイン状態確認（verify）は同じ要求プリミティブを使う。
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hitoshi/rollcall/internal/model"
)

// DefaultUserAgent はブラウザと同等に見せるためのUser-Agent。
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// TimeoutMessage はタイムアウト時に結果へ記録するエラーメッセージ。
const TimeoutMessage = "timeout"

const (
	defaultMaxRedirects = 5
	defaultMaxBodySize  = 5 * 1024 * 1024
)

// Request は1アイデンティティ分の認証付きGETリクエスト。
type Request struct {
	URL     string
	Cookies model.CookieSet
	// Header は追加で設定するヘッダー（Accept, Referer等）。
	Header http.Header
	// Timeout はリクエスト全体の上限時間。0以下なら親コンテキストのみに従う。
	Timeout time.Duration
}

// Response は取得できたHTTP応答。ステータスコードによらず取得できれば返す。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Error はトランスポート層での失敗を表す。
// 応答を伴う失敗（リダイレクト上限超過、本文読み取り中断）ではStatusCodeとBodyを持つ。
type Error struct {
	Err        error
	Timeout    bool
	StatusCode int
	Body       []byte
}

func (e *Error) Error() string {
	if e.Timeout {
		return TimeoutMessage
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HasResponse は失敗が応答を伴っていたかを返す。
func (e *Error) HasResponse() bool {
	return e.StatusCode != 0
}

// Client は認証付きリクエストを実行する。複数goroutineから同時に使用できる。
type Client struct {
	httpClient  *http.Client
	userAgent   string
	maxBodySize int64
}

// Option はClientの設定を変更する。
type Option func(*clientOptions)

type clientOptions struct {
	userAgent    string
	maxRedirects int
	maxBodySize  int64
}

// WithUserAgent はUser-Agentを変更する。
func WithUserAgent(ua string) Option {
	return func(o *clientOptions) { o.userAgent = ua }
}

// WithMaxRedirects は追従するリダイレクトの上限を変更する。
func WithMaxRedirects(n int) Option {
	return func(o *clientOptions) { o.maxRedirects = n }
}

// WithMaxBodySize は読み込む応答本文の上限バイト数を変更する。
func WithMaxBodySize(n int64) Option {
	return func(o *clientOptions) { o.maxBodySize = n }
}

// NewClient はClientを生成する。httpClientは複製して使い、CheckRedirectとJarは上書きする。
// Cookieはアイデンティティごとのものだけを送るため、Jarは使わない。
func NewClient(httpClient *http.Client, opts ...Option) *Client {
	o := clientOptions{
		userAgent:    DefaultUserAgent,
		maxRedirects: defaultMaxRedirects,
		maxBodySize:  defaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	hc := *httpClient
	hc.Jar = nil
	maxRedirects := o.maxRedirects
	hc.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}

	return &Client{
		httpClient:  &hc,
		userAgent:   o.userAgent,
		maxBodySize: o.maxBodySize,
	}
}

// Do はGETリクエストを1回実行する。リトライはしない。
// 応答が得られればステータスコードに関係なく*Responseを返し、
// トランスポート層で失敗した場合は*Errorを返す。
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("failed to build request: %w", err)}
	}
	for key, values := range r.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("User-Agent", c.userAgent)
	if cookie := r.Cookies.Header(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		perr := &Error{Err: err, Timeout: isTimeout(err)}
		// CheckRedirectが失敗した場合は直前の応答（本文は閉じられている）が返る
		if resp != nil {
			perr.StatusCode = resp.StatusCode
		}
		return nil, perr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize))
	if err != nil {
		return nil, &Error{
			Err:        fmt.Errorf("failed to read response body: %w", err),
			Timeout:    isTimeout(err),
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
