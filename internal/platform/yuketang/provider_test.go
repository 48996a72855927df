package yuketang

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePlatform はログインページ・WebSocket・web_loginを持つテスト用サーバー。
type fakePlatform struct {
	server       *httptest.Server
	scanned      chan struct{}
	warmups      atomic.Int32
	loginBody    atomic.Value
	loginSuccess atomic.Bool
	skipTicket   atomic.Bool
	garbled      atomic.Bool
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	fp := &fakePlatform{scanned: make(chan struct{})}
	fp.loginSuccess.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/web/index", func(w http.ResponseWriter, r *http.Request) {
		fp.warmups.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "warm", Path: "/"})
		w.Write([]byte("<html></html>"))
	})
	mux.HandleFunc("/web", func(w http.ResponseWriter, r *http.Request) {
		fp.warmups.Add(1)
		w.Write([]byte("<html></html>"))
	})
	mux.HandleFunc("/pc/web_login", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fp.loginBody.Store(string(body))
		if r.Header.Get("X-Requested-With") != "XMLHttpRequest" {
			t.Errorf("X-Requested-With = %q", r.Header.Get("X-Requested-With"))
		}
		if fp.loginSuccess.Load() {
			http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "sess-123", Path: "/"})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"success": fp.loginSuccess.Load()})
	})
	mux.Handle("/wsapp/", websocket.Handler(func(ws *websocket.Conn) {
		var req map[string]any
		if err := websocket.JSON.Receive(ws, &req); err != nil {
			return
		}
		if req["op"] != "requestlogin" || req["type"] != "qrcode" {
			t.Errorf("unexpected request frame: %v", req)
			return
		}
		// チケットより前に無関係なフレームが来ても無視される
		websocket.JSON.Send(ws, map[string]any{"op": "ping"})
		if fp.garbled.Load() {
			websocket.Message.Send(ws, "not json")
			websocket.JSON.Send(ws, map[string]any{"op": "requestlogin", "expire_seconds": "soon"})
		}
		if fp.skipTicket.Load() {
			websocket.JSON.Send(ws, map[string]any{"op": "requestlogin", "loginid": "abc"})
			return
		}
		websocket.JSON.Send(ws, map[string]any{
			"op":             "requestlogin",
			"ticket":         "https://qr.example.com/ticket-1",
			"loginid":        "login-abc",
			"expire_seconds": 120,
		})

		select {
		case <-fp.scanned:
		case <-time.After(5 * time.Second):
			return
		}
		if fp.garbled.Load() {
			websocket.JSON.Send(ws, map[string]any{"op": "loginsuccess", "UserID": map[string]bool{"bad": true}})
		}
		websocket.JSON.Send(ws, map[string]any{
			"op":     "loginsuccess",
			"UserID": 987654,
			"Auth":   "auth-token",
			"Name":   "張三",
		})
		// クライアントが閉じるまで待つ
		var discard map[string]any
		websocket.JSON.Receive(ws, &discard)
	}))

	fp.server = httptest.NewServer(mux)
	t.Cleanup(fp.server.Close)
	return fp
}

func (fp *fakePlatform) wsURL() string {
	return "ws" + strings.TrimPrefix(fp.server.URL, "http") + "/wsapp/"
}

func TestProvider_ChallengeAndApproval(t *testing.T) {
	fp := newFakePlatform(t)
	p := NewProvider(fp.server.URL, fp.wsURL(), time.Minute, testLogger())
	t.Cleanup(p.Close)

	challenge, err := p.InitiateChallenge(context.Background())
	if err != nil {
		t.Fatalf("InitiateChallenge() error = %v", err)
	}
	if challenge.ID != "login-abc" || challenge.ScannableToken != "https://qr.example.com/ticket-1" || challenge.ExpirySeconds != 120 {
		t.Errorf("unexpected challenge: %+v", challenge)
	}
	if n := fp.warmups.Load(); n != 2 {
		t.Errorf("warm-up requests = %d, want 2", n)
	}
	if p.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", p.Pending())
	}

	close(fp.scanned)

	select {
	case a := <-p.Approvals():
		if a.ChallengeID != "login-abc" || a.ExternalUserID != "987654" || a.DisplayName != "張三" {
			t.Errorf("unexpected approval: %+v", a)
		}
		header := a.Cookies.Header()
		if !strings.Contains(header, "sessionid=sess-123") || !strings.Contains(header, "csrftoken=warm") {
			t.Errorf("cookies = %q, want warm-up and login cookies", header)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("approval not received")
	}

	body, _ := fp.loginBody.Load().(string)
	if body != `{"UserID":987654,"Auth":"auth-token"}` {
		t.Errorf("web_login body = %s", body)
	}

	// 承認後は上流接続を閉じる
	deadline := time.Now().Add(2 * time.Second)
	for p.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", p.Pending())
	}
}

func TestProvider_SkipsUndecodableFrames(t *testing.T) {
	fp := newFakePlatform(t)
	fp.garbled.Store(true)
	p := NewProvider(fp.server.URL, fp.wsURL(), time.Minute, testLogger())
	t.Cleanup(p.Close)

	challenge, err := p.InitiateChallenge(context.Background())
	if err != nil {
		t.Fatalf("InitiateChallenge() error = %v", err)
	}
	if challenge.ID != "login-abc" {
		t.Errorf("challenge.ID = %q, want login-abc", challenge.ID)
	}

	close(fp.scanned)

	select {
	case a := <-p.Approvals():
		if a.ChallengeID != "login-abc" || a.ExternalUserID != "987654" {
			t.Errorf("unexpected approval: %+v", a)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("approval not received after undecodable frames")
	}
}

func TestProvider_WebLoginRejected(t *testing.T) {
	fp := newFakePlatform(t)
	fp.loginSuccess.Store(false)
	p := NewProvider(fp.server.URL, fp.wsURL(), time.Minute, testLogger())
	t.Cleanup(p.Close)

	if _, err := p.InitiateChallenge(context.Background()); err != nil {
		t.Fatalf("InitiateChallenge() error = %v", err)
	}
	close(fp.scanned)

	select {
	case a := <-p.Approvals():
		t.Fatalf("unexpected approval: %+v", a)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestProvider_InitiateChallengeErrors(t *testing.T) {
	t.Run("WebSocketに接続できない", func(t *testing.T) {
		fp := newFakePlatform(t)
		p := NewProvider(fp.server.URL, "ws://127.0.0.1:1/wsapp/", time.Minute, testLogger())

		if _, err := p.InitiateChallenge(context.Background()); err == nil {
			t.Fatal("expected dial error")
		}
	})

	t.Run("チケットが届かない", func(t *testing.T) {
		fp := newFakePlatform(t)
		fp.skipTicket.Store(true)
		p := NewProvider(fp.server.URL, fp.wsURL(), time.Minute, testLogger())

		if _, err := p.InitiateChallenge(context.Background()); err == nil {
			t.Fatal("expected error when the ticket never arrives")
		}
		if p.Pending() != 0 {
			t.Errorf("Pending() = %d, want 0", p.Pending())
		}
	})
}

func TestProvider_ReleaseIsIdempotent(t *testing.T) {
	fp := newFakePlatform(t)
	p := NewProvider(fp.server.URL, fp.wsURL(), time.Minute, testLogger())
	t.Cleanup(p.Close)

	challenge, err := p.InitiateChallenge(context.Background())
	if err != nil {
		t.Fatalf("InitiateChallenge() error = %v", err)
	}

	p.Release(challenge.ID)
	p.Release(challenge.ID)
	p.Release("unknown")

	if p.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", p.Pending())
	}
}

func TestProvider_ChallengeTTLClosesConnection(t *testing.T) {
	fp := newFakePlatform(t)
	p := NewProvider(fp.server.URL, fp.wsURL(), 50*time.Millisecond, testLogger())
	t.Cleanup(p.Close)

	if _, err := p.InitiateChallenge(context.Background()); err != nil {
		t.Fatalf("InitiateChallenge() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after TTL", p.Pending())
	}
}
