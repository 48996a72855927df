package verify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/rollcall/internal/model"
	"github.com/hitoshi/rollcall/internal/repository"
)

// mockStatusStore はStatusStoreのテスト用モック。
type mockStatusStore struct {
	mu       sync.Mutex
	updates  map[string]model.LoginStatus
	listFn   func(ctx context.Context) ([]*model.Identity, error)
	updateFn func(ctx context.Context, id string, status model.LoginStatus) error
}

func newMockStatusStore() *mockStatusStore {
	return &mockStatusStore{updates: make(map[string]model.LoginStatus)}
}

func (m *mockStatusStore) ListWithCookies(ctx context.Context) ([]*model.Identity, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

func (m *mockStatusStore) UpdateStatus(ctx context.Context, id string, status model.LoginStatus) error {
	m.mu.Lock()
	m.updates[id] = status
	m.mu.Unlock()
	if m.updateFn != nil {
		return m.updateFn(ctx, id, status)
	}
	return nil
}

func (m *mockStatusStore) status(id string) (model.LoginStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.updates[id]
	return s, ok
}

// mockProber はWhoAmIProberのテスト用モック。
type mockProber struct {
	calls    atomic.Int32
	whoAmIFn func(ctx context.Context, cookies model.CookieSet) (*model.PlatformUserInfo, error)
}

func (m *mockProber) WhoAmI(ctx context.Context, cookies model.CookieSet) (*model.PlatformUserInfo, error) {
	m.calls.Add(1)
	return m.whoAmIFn(ctx, cookies)
}

// compile-time interface checks
var (
	_ StatusStore  = (*mockStatusStore)(nil)
	_ WhoAmIProber = (*mockProber)(nil)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func withCookie(id, value string) *model.Identity {
	return &model.Identity{
		ID:          id,
		DisplayName: "name-" + id,
		Cookies:     model.CookieSet{{Key: "sessionid", Value: value}},
	}
}

// cookieProber はsessionidの値で応答を切り替える。
func cookieProber() *mockProber {
	return &mockProber{
		whoAmIFn: func(ctx context.Context, cookies model.CookieSet) (*model.PlatformUserInfo, error) {
			switch cookies[0].Value {
			case "valid":
				return &model.PlatformUserInfo{UserID: "42", Name: "Alice", School: "THU"}, nil
			case "expired":
				return nil, nil
			default:
				return nil, errors.New("connection reset")
			}
		},
	}
}

func TestVerifyOne(t *testing.T) {
	tests := []struct {
		name        string
		identity    *model.Identity
		wantStatus  model.LoginStatus
		wantMessage string
		wantInfo    bool
		wantCalls   int32
	}{
		{
			name:        "有効なCookieはLoggedIn",
			identity:    withCookie("1", "valid"),
			wantStatus:  model.StatusLoggedIn,
			wantMessage: MessageLoggedIn,
			wantInfo:    true,
			wantCalls:   1,
		},
		{
			name:        "ユーザーを特定できなければLoggedOut",
			identity:    withCookie("2", "expired"),
			wantStatus:  model.StatusLoggedOut,
			wantMessage: MessageExpired,
			wantCalls:   1,
		},
		{
			name:        "通信失敗もLoggedOut",
			identity:    withCookie("3", "broken"),
			wantStatus:  model.StatusLoggedOut,
			wantMessage: MessageFailed,
			wantCalls:   1,
		},
		{
			name:        "Cookieなしは通信せずLoggedOut",
			identity:    &model.Identity{ID: "4", DisplayName: "nocookie"},
			wantStatus:  model.StatusLoggedOut,
			wantMessage: MessageNoCookies,
			wantCalls:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStatusStore()
			prober := cookieProber()
			v := NewVerifier(store, prober, testLogger(), 5, 0)

			outcome := v.VerifyOne(context.Background(), tt.identity)

			if outcome.Status != tt.wantStatus {
				t.Errorf("Status = %v, want %v", outcome.Status, tt.wantStatus)
			}
			if outcome.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", outcome.Message, tt.wantMessage)
			}
			if (outcome.UserInfo != nil) != tt.wantInfo {
				t.Errorf("UserInfo = %+v, want present=%v", outcome.UserInfo, tt.wantInfo)
			}
			if outcome.IdentityID != tt.identity.ID || outcome.DisplayName != tt.identity.DisplayName {
				t.Errorf("outcome identity = %s/%s, want %s/%s", outcome.IdentityID, outcome.DisplayName, tt.identity.ID, tt.identity.DisplayName)
			}
			if got := prober.calls.Load(); got != tt.wantCalls {
				t.Errorf("prober calls = %d, want %d", got, tt.wantCalls)
			}

			// 結果に関係なくステータスは必ず書き込まれる
			stored, ok := store.status(tt.identity.ID)
			if !ok {
				t.Fatal("status was not written to the store")
			}
			if stored != tt.wantStatus {
				t.Errorf("stored status = %v, want %v", stored, tt.wantStatus)
			}
		})
	}
}

func TestVerifyOne_StoreErrorDoesNotChangeOutcome(t *testing.T) {
	store := newMockStatusStore()
	store.updateFn = func(ctx context.Context, id string, status model.LoginStatus) error {
		return repository.ErrIdentityNotFound
	}
	v := NewVerifier(store, cookieProber(), testLogger(), 5, 0)

	outcome := v.VerifyOne(context.Background(), withCookie("1", "valid"))
	if outcome.Status != model.StatusLoggedIn {
		t.Errorf("Status = %v, want %v", outcome.Status, model.StatusLoggedIn)
	}
}

func TestVerifyAll_InputOrderAndBatching(t *testing.T) {
	store := newMockStatusStore()

	var running, peak atomic.Int32
	prober := &mockProber{
		whoAmIFn: func(ctx context.Context, cookies model.CookieSet) (*model.PlatformUserInfo, error) {
			cur := running.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			if cookies[0].Value == "valid" {
				return &model.PlatformUserInfo{UserID: "1"}, nil
			}
			return nil, nil
		},
	}
	v := NewVerifier(store, prober, testLogger(), 2, 10*time.Millisecond)

	identities := []*model.Identity{
		withCookie("a", "valid"),
		withCookie("b", "expired"),
		withCookie("c", "valid"),
		withCookie("d", "expired"),
		withCookie("e", "valid"),
	}

	start := time.Now()
	outcomes, err := v.VerifyAll(context.Background(), identities)
	if err != nil {
		t.Fatalf("VerifyAll returned error: %v", err)
	}

	if len(outcomes) != len(identities) {
		t.Fatalf("len(outcomes) = %d, want %d", len(outcomes), len(identities))
	}
	for i, identity := range identities {
		if outcomes[i].IdentityID != identity.ID {
			t.Errorf("outcomes[%d].IdentityID = %q, want %q", i, outcomes[i].IdentityID, identity.ID)
		}
	}
	if CountLoggedIn(outcomes) != 3 {
		t.Errorf("CountLoggedIn = %d, want 3", CountLoggedIn(outcomes))
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
	// 3バッチなので間の待機は2回
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 20ms", elapsed)
	}
}

func TestVerifyAll_Empty(t *testing.T) {
	v := NewVerifier(newMockStatusStore(), cookieProber(), testLogger(), 5, time.Second)

	outcomes, err := v.VerifyAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("VerifyAll returned error: %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("len(outcomes) = %d, want 0", len(outcomes))
	}
}

func TestVerifyAll_CancelReturnsCompletedOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	prober := &mockProber{
		whoAmIFn: func(ctx context.Context, cookies model.CookieSet) (*model.PlatformUserInfo, error) {
			cancel()
			return nil, nil
		},
	}
	v := NewVerifier(newMockStatusStore(), prober, testLogger(), 1, time.Hour)

	outcomes, err := v.VerifyAll(ctx, []*model.Identity{withCookie("a", "x"), withCookie("b", "x")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if len(outcomes) != 1 || outcomes[0].IdentityID != "a" {
		t.Errorf("outcomes = %+v, want only a", outcomes)
	}
}

func TestVerifyStored(t *testing.T) {
	t.Run("Cookieを持つ全件を確認する", func(t *testing.T) {
		store := newMockStatusStore()
		store.listFn = func(ctx context.Context) ([]*model.Identity, error) {
			return []*model.Identity{withCookie("1", "valid"), withCookie("2", "expired")}, nil
		}
		v := NewVerifier(store, cookieProber(), testLogger(), 5, 0)

		outcomes, err := v.VerifyStored(context.Background())
		if err != nil {
			t.Fatalf("VerifyStored returned error: %v", err)
		}
		if len(outcomes) != 2 || CountLoggedIn(outcomes) != 1 {
			t.Errorf("outcomes = %+v, want 2 with 1 logged in", outcomes)
		}
	})

	t.Run("ストアのエラーを返す", func(t *testing.T) {
		store := newMockStatusStore()
		store.listFn = func(ctx context.Context) ([]*model.Identity, error) {
			return nil, errors.New("db down")
		}
		v := NewVerifier(store, cookieProber(), testLogger(), 5, 0)

		if _, err := v.VerifyStored(context.Background()); err == nil {
			t.Fatal("expected error, got nil")
		}
	})
}
