package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/rollcall/internal/model"
)

// NewCORSMiddleware は指定されたオリジンに対するCORSミドルウェアを返す。
// credentials送信と共存するため、ワイルドカード(*)は使用しない。
// OPTIONSプリフライトリクエストには204で応答する。
// WebSocketのアップグレード要求はCORSの対象外なので、OriginAllowedを満たさないOriginを403で拒否する。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isWebSocketUpgrade(r) {
				if !OriginAllowed(r.Header.Get("Origin"), r.Host, allowedOrigin) {
					WriteErrorResponse(w, http.StatusForbidden, &model.APIError{
						Code:     "ORIGIN_NOT_ALLOWED",
						Message:  "許可されていないオリジンからの接続です。",
						Category: model.CategoryAuthorization,
						Action:   "許可されたページから接続してください。",
					})
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Max-Age", "86400")

			// OPTIONSプリフライトリクエストには204で応答
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// OriginAllowed はブラウザのOriginがリレー接続を許可されるかを返す。
// Originが無いものは拒否する。allowedOriginが空なら全て許可し、
// それ以外はリクエスト先と同じホストか、allowedOriginと一致するものだけを許可する。
func OriginAllowed(origin, host, allowedOrigin string) bool {
	if origin == "" {
		return false
	}
	if allowedOrigin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, host) {
		return true
	}
	return strings.TrimSuffix(origin, "/") == strings.TrimSuffix(allowedOrigin, "/")
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
