package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/rollcall/internal/login"
	"github.com/hitoshi/rollcall/internal/model"
)

// LoginServiceInterface はQRログインハンドラーが必要とするサービスインターフェース。
type LoginServiceInterface interface {
	Start(ctx context.Context) (*login.StartResult, error)
	Save(ctx context.Context, req login.SaveRequest) (*model.Identity, error)
	Cancel(sessionID string)
}

// LoginHandler はQRコードログインのHTTPハンドラー。
type LoginHandler struct {
	service LoginServiceInterface
}

// NewLoginHandler はLoginHandlerを生成する。
func NewLoginHandler(service LoginServiceInterface) *LoginHandler {
	return &LoginHandler{service: service}
}

type saveLoginRequest struct {
	SessionID string          `json:"sessionId"`
	Name      string          `json:"name"`
	Cookies   model.CookieSet `json:"cookies"`
	UserID    string          `json:"userId"`
}

type saveLoginResponse struct {
	AccountID      string `json:"accountId"`
	DisplayName    string `json:"name"`
	ExternalUserID string `json:"userId"`
}

// Start はQRログインを開始し、スキャン用のQRコードURLを返す。
// POST /api/scan-login/start
func (h *LoginHandler) Start(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Start(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Save は承認済みのログインセッションをアカウントとして保存する。
// POST /api/scan-login/save
func (h *LoginHandler) Save(w http.ResponseWriter, r *http.Request) {
	var req saveLoginRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("sessionIdが指定されていません"))
		return
	}

	identity, err := h.service.Save(r.Context(), login.SaveRequest{
		SessionID:      req.SessionID,
		DisplayName:    req.Name,
		Cookies:        req.Cookies,
		ExternalUserID: req.UserID,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, saveLoginResponse{
		AccountID:      identity.ID,
		DisplayName:    identity.DisplayName,
		ExternalUserID: identity.ExternalUserID,
	})
}

// Cancel はログインセッションを中止する。未知のセッションでも204を返す。
// POST /api/scan-login/{sessionId}/cancel
func (h *LoginHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.service.Cancel(chi.URLParam(r, "sessionId"))
	w.WriteHeader(http.StatusNoContent)
}
