// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// LoginStatus はアイデンティティのログイン状態を表す。
// 値は管理画面との互換性のため数値（0/1）で表現する。
type LoginStatus int

const (
	// StatusLoggedOut はCookieが無効、または未認証の状態。
	StatusLoggedOut LoginStatus = 0
	// StatusLoggedIn はCookieが有効と確認された状態。
	StatusLoggedIn LoginStatus = 1
)

// String はログ出力用の文字列表現を返す。
func (s LoginStatus) String() string {
	if s == StatusLoggedIn {
		return "logged_in"
	}
	return "logged_out"
}

// Cookie は認証Cookieの1組のキーと値を表す。
type Cookie struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// CookieSet は順序付きのCookie集合。
// nilは「Cookieなし」を意味する。
type CookieSet []Cookie

// Header はCookieヘッダーの値（"k1=v1; k2=v2"）を組み立てる。
// 順序は保持される。キーが空のエントリは無視する。
func (cs CookieSet) Header() string {
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		if c.Key == "" {
			continue
		}
		parts = append(parts, c.Key+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Empty はCookieが1つも無いかを返す。
func (cs CookieSet) Empty() bool {
	return len(cs) == 0
}

// Identity は保存済みアカウント（チェックイン対象の単位）を表す。
// ExternalUserIDは有効なアイデンティティ間で一意。
type Identity struct {
	ID             string
	ExternalUserID string
	DisplayName    string
	Status         LoginStatus
	Cookies        CookieSet
	CreatedAt      time.Time
}

// HasCookies はCookieが保存されているかを返す。
func (i *Identity) HasCookies() bool {
	return i != nil && !i.Cookies.Empty()
}

// PendingIdentity はQRログイン承認後、保存前のアイデンティティ情報。
type PendingIdentity struct {
	ExternalUserID string
	DisplayName    string
	Cookies        CookieSet
}
