package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	"github.com/hitoshi/rollcall/internal/middleware"
	"github.com/hitoshi/rollcall/internal/model"
)

const (
	writeTimeout    = 10 * time.Second
	maxDecodeErrors = 5
	maxFrameBytes   = 64 << 10

	signinBusyMessage = "前回のチェックインが実行中です。完了してから再度お試しください。"
)

var errChannelClosed = errors.New("relay channel closed")

// Dispatcher は保存済みアイデンティティ全件でチェックインを実行する。
type Dispatcher interface {
	DispatchStored(ctx context.Context, targetURL string) (*model.DispatchReport, error)
}

type inboundFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

type signinResult struct {
	Success      bool                   `json:"success"`
	SuccessCount int                    `json:"successCount"`
	TotalCount   int                    `json:"totalCount"`
	Results      []model.DispatchResult `json:"results"`
}

// conn はwebsocket.ConnをChannelとして扱う。書き込みは直列化し、期限を付ける。
// 1接続で同時に走るチェックインは1つまで。
type conn struct {
	mu      sync.Mutex
	ws      *websocket.Conn
	closed  bool
	signing atomic.Bool
}

func (c *conn) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errChannelClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return websocket.JSON.Send(c.ws, env)
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	_ = c.ws.Close()
}

// Server はリレーのWebSocketエンドポイント。
type Server struct {
	hub           *Hub
	dispatcher    Dispatcher
	logger        *slog.Logger
	allowedOrigin string
}

// NewServer はServerを生成する。
// allowedOriginが空でなければ、同一ホストかそのOriginからの接続だけを受け付ける。
func NewServer(hub *Hub, dispatcher Dispatcher, logger *slog.Logger, allowedOrigin string) *Server {
	return &Server{
		hub:           hub,
		dispatcher:    dispatcher,
		logger:        logger,
		allowedOrigin: allowedOrigin,
	}
}

// Handler はGET /ws用のhttp.Handlerを返す。
func (s *Server) Handler() http.Handler {
	return websocket.Server{
		Handshake: s.handshake,
		Handler:   s.serve,
	}
}

func (s *Server) handshake(cfg *websocket.Config, r *http.Request) error {
	origin, err := websocket.Origin(cfg, r)
	if err != nil {
		return err
	}
	if origin == nil {
		return errors.New("missing origin")
	}
	cfg.Origin = origin
	if middleware.OriginAllowed(origin.String(), r.Host, s.allowedOrigin) {
		return nil
	}
	s.logger.Warn("許可されていないOriginからのWebSocket接続を拒否しました", slog.String("origin", origin.String()))
	return errors.New("origin not allowed")
}

func (s *Server) serve(ws *websocket.Conn) {
	ws.MaxPayloadBytes = maxFrameBytes
	c := &conn{ws: ws}
	defer func() {
		s.hub.Unregister(c)
		c.close()
	}()

	ctx := ws.Request().Context()
	decodeErrors := 0
	for {
		var frame inboundFrame
		if err := websocket.JSON.Receive(ws, &frame); err != nil {
			if errors.Is(err, io.EOF) || !isDecodeError(err) {
				return
			}
			decodeErrors++
			s.logger.Warn("不正なフレームを無視しました", slog.String("error", err.Error()))
			if decodeErrors >= maxDecodeErrors {
				return
			}
			continue
		}
		decodeErrors = 0

		switch frame.Type {
		case "register":
			if frame.SessionID == "" {
				s.logger.Warn("sessionIdの無いregisterを無視しました")
				continue
			}
			s.hub.Register(frame.SessionID, c)
		case "signin":
			if !c.signing.CompareAndSwap(false, true) {
				_ = c.Send(Envelope{Type: TypeSigninError, Message: signinBusyMessage})
				continue
			}
			go s.signin(ctx, c, frame)
		default:
			s.logger.Warn("未対応のフレームを無視しました", slog.String("type", frame.Type))
		}
	}
}

func (s *Server) signin(ctx context.Context, c *conn, frame inboundFrame) {
	report, err := s.dispatcher.DispatchStored(ctx, frame.URL)
	// 結果の送信より前に解除する
	c.signing.Store(false)
	if err != nil {
		msg := model.NewInternalError().Message
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			msg = apiErr.Message
		} else {
			s.logger.Error("チェックインに失敗しました",
				slog.String("session_id", frame.SessionID),
				slog.String("error", err.Error()),
			)
		}
		_ = c.Send(Envelope{Type: TypeSigninError, Message: msg})
		return
	}

	if err := c.Send(Envelope{Type: TypeSigninResult, Data: signinResult{
		Success:      report.AnySucceeded(),
		SuccessCount: report.Succeeded,
		TotalCount:   report.Total,
		Results:      report.Results,
	}}); err != nil {
		s.logger.Info("チェックイン結果を送信できませんでした",
			slog.String("session_id", frame.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, websocket.ErrFrameTooLarge)
}
