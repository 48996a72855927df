package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/rollcall/internal/model"
	"github.com/hitoshi/rollcall/internal/repository"
	"github.com/hitoshi/rollcall/internal/verify"
)

// AccountStore はアカウントハンドラーが必要とするストア操作。
type AccountStore interface {
	ListAll(ctx context.Context) ([]*model.Identity, error)
	FindByID(ctx context.Context, id string) (*model.Identity, error)
	UpdateCookies(ctx context.Context, id string, cookies model.CookieSet) error
	Delete(ctx context.Context, id string) error
}

// StatusVerifier はログイン状態の確認を行うサービスインターフェース。
type StatusVerifier interface {
	// VerifyOne は1件を確認しステータスを書き込む。
	VerifyOne(ctx context.Context, identity *model.Identity) verify.Outcome
	// VerifyStored はCookieを持つ全アカウントを確認する。
	VerifyStored(ctx context.Context) ([]verify.Outcome, error)
}

// AccountHandler は保存済みアカウント管理のHTTPハンドラー。
type AccountHandler struct {
	store          AccountStore
	verifier       StatusVerifier
	deletePassword string
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(store AccountStore, verifier StatusVerifier, deletePassword string) *AccountHandler {
	return &AccountHandler{
		store:          store,
		verifier:       verifier,
		deletePassword: deletePassword,
	}
}

// accountResponse はアカウント一覧のAPIレスポンス。Cookieの値は返さない。
type accountResponse struct {
	ID             string            `json:"id"`
	ExternalUserID string            `json:"userId"`
	DisplayName    string            `json:"name"`
	Status         model.LoginStatus `json:"status"`
	HasCookies     bool              `json:"hasCookies"`
	CreatedAt      time.Time         `json:"createdAt"`
}

type deleteAccountRequest struct {
	Password string `json:"password"`
}

type deleteAccountResponse struct {
	AccountID      string `json:"accountId"`
	DisplayName    string `json:"name"`
	ExternalUserID string `json:"userId"`
	Message        string `json:"message"`
}

type checkStatusRequest struct {
	AccountID string `json:"accountId"`
}

type checkAllStatusResponse struct {
	Message      string           `json:"message"`
	SuccessCount int              `json:"successCount"`
	TotalCount   int              `json:"totalCount"`
	Results      []verify.Outcome `json:"results"`
}

// ListAccounts は保存済みアカウントを新しい順に返す。
// GET /api/accounts
func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	identities, err := h.store.ListAll(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	accounts := make([]accountResponse, len(identities))
	for i, identity := range identities {
		accounts[i] = toAccountResponse(identity)
	}
	writeJSON(w, http.StatusOK, accounts)
}

// DeleteAccount は削除パスワードを確認してアカウントを物理削除する。
// DELETE /api/accounts/{id}
func (h *AccountHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	var req deleteAccountRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Password == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewMissingSecretError())
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.deletePassword)) != 1 {
		slog.Warn("削除パスワードが一致しません", slog.String("account_id", accountID))
		handleServiceError(w, model.NewWrongSecretError())
		return
	}

	identity, err := h.store.FindByID(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if identity == nil {
		handleServiceError(w, model.NewIdentityNotFoundError(accountID))
		return
	}

	if err := h.store.Delete(r.Context(), accountID); err != nil {
		if errors.Is(err, repository.ErrIdentityNotFound) {
			handleServiceError(w, model.NewIdentityNotFoundError(accountID))
			return
		}
		handleServiceError(w, err)
		return
	}

	slog.Info("アカウントを削除しました",
		slog.String("account_id", identity.ID),
		slog.String("name", identity.DisplayName),
	)
	writeJSON(w, http.StatusOK, deleteAccountResponse{
		AccountID:      identity.ID,
		DisplayName:    identity.DisplayName,
		ExternalUserID: identity.ExternalUserID,
		Message:        fmt.Sprintf("アカウント「%s」を削除しました。", identity.DisplayName),
	})
}

// CheckStatus は1件のアカウントのログイン状態を確認する。
// POST /api/accounts/check-status
func (h *AccountHandler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	var req checkStatusRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("accountIdが指定されていません"))
		return
	}

	identity, err := h.store.FindByID(r.Context(), req.AccountID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if identity == nil {
		handleServiceError(w, model.NewIdentityNotFoundError(req.AccountID))
		return
	}

	writeJSON(w, http.StatusOK, h.verifier.VerifyOne(r.Context(), identity))
}

// CheckAllStatus はCookieを持つ全アカウントのログイン状態を確認する。
// POST /api/accounts/check-all-status
func (h *AccountHandler) CheckAllStatus(w http.ResponseWriter, r *http.Request) {
	outcomes, err := h.verifier.VerifyStored(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if outcomes == nil {
		outcomes = []verify.Outcome{}
	}

	loggedIn := verify.CountLoggedIn(outcomes)
	writeJSON(w, http.StatusOK, checkAllStatusResponse{
		Message:      fmt.Sprintf("確認完了: %d/%d 件のアカウントが有効です。", loggedIn, len(outcomes)),
		SuccessCount: loggedIn,
		TotalCount:   len(outcomes),
		Results:      outcomes,
	})
}

// ClearCookies はアカウントのCookieを削除しLoggedOutにする。
// POST /api/accounts/{id}/clear-cookies
func (h *AccountHandler) ClearCookies(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	if err := h.store.UpdateCookies(r.Context(), accountID, nil); err != nil {
		if errors.Is(err, repository.ErrIdentityNotFound) {
			handleServiceError(w, model.NewIdentityNotFoundError(accountID))
			return
		}
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func toAccountResponse(identity *model.Identity) accountResponse {
	return accountResponse{
		ID:             identity.ID,
		ExternalUserID: identity.ExternalUserID,
		DisplayName:    identity.DisplayName,
		Status:         identity.Status,
		HasCookies:     identity.HasCookies(),
		CreatedAt:      identity.CreatedAt,
	}
}
