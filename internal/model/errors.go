package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, not_found, conflict, authorization, upstream, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryValidation    = "validation"
	CategoryNotFound      = "not_found"
	CategoryConflict      = "conflict"
	CategoryAuthorization = "authorization"
	CategoryUpstream      = "upstream"
	CategorySystem        = "system"
)

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeInvalidURL           = "INVALID_URL"
	ErrCodeEmptyName            = "EMPTY_NAME"
	ErrCodeMissingSecret        = "MISSING_SECRET"
	ErrCodeNoIdentities         = "NO_IDENTITIES"
	ErrCodeIdentityNotFound     = "IDENTITY_NOT_FOUND"
	ErrCodeLoginSessionNotFound = "LOGIN_SESSION_NOT_FOUND"
	ErrCodeLoginSessionState    = "LOGIN_SESSION_STATE"
	ErrCodeDuplicateIdentity    = "DUPLICATE_IDENTITY"
	ErrCodeDuplicateName        = "DUPLICATE_NAME"
	ErrCodeWrongSecret          = "WRONG_SECRET"
	ErrCodeProviderUnavailable  = "PROVIDER_UNAVAILABLE"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// NewInvalidRequestError はリクエスト形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: CategoryValidation,
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewEmptyNameError は表示名が空の場合のエラーを生成する。
func NewEmptyNameError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyName,
		Message:  "表示名が空です。",
		Category: CategoryValidation,
		Action:   "アカウントの表示名を入力してください。",
	}
}

// NewMissingSecretError は削除パスワードが未指定の場合のエラーを生成する。
func NewMissingSecretError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingSecret,
		Message:  "削除パスワードが指定されていません。",
		Category: CategoryValidation,
		Action:   "削除パスワードを入力してください。",
	}
}

// NewNoIdentitiesError はCookieを持つアカウントが1件も無い場合のエラーを生成する。
func NewNoIdentitiesError() *APIError {
	return &APIError{
		Code:     ErrCodeNoIdentities,
		Message:  "利用可能なアカウントがありません。",
		Category: CategoryValidation,
		Action:   "QRコードログインでアカウントを追加してください。",
	}
}

// NewIdentityNotFoundError はアカウント未検出エラーを生成する。
func NewIdentityNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeIdentityNotFound,
		Message:  fmt.Sprintf("指定されたアカウントが見つかりません: %s", id),
		Category: CategoryNotFound,
		Action:   "アカウント一覧を再読み込みしてください。",
	}
}

// NewLoginSessionNotFoundError はログインセッション未検出エラーを生成する。
func NewLoginSessionNotFoundError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeLoginSessionNotFound,
		Message:  fmt.Sprintf("ログインセッションが見つからないか期限切れです: %s", sessionID),
		Category: CategoryNotFound,
		Action:   "QRコードログインを最初からやり直してください。",
	}
}

// NewLoginSessionStateError はログインセッションが要求された操作を受け付けない状態のエラーを生成する。
func NewLoginSessionStateError(state string) *APIError {
	return &APIError{
		Code:     ErrCodeLoginSessionState,
		Message:  fmt.Sprintf("ログインセッションはこの操作を受け付けない状態です: %s", state),
		Category: CategoryConflict,
		Action:   "QRコードのスキャン完了を待つか、ログインを最初からやり直してください。",
	}
}

// NewDuplicateIdentityError は同じ外部ユーザーIDのアカウントが既に存在する場合のエラーを生成する。
func NewDuplicateIdentityError(externalUserID string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateIdentity,
		Message:  fmt.Sprintf("このユーザーID（%s）のアカウントは既に登録されています。", externalUserID),
		Category: CategoryConflict,
		Action:   "既存のアカウントを削除するか、別のアカウントでログインしてください。",
	}
}

// NewDuplicateNameError は同じ表示名のアカウントが既に存在する場合のエラーを生成する。
func NewDuplicateNameError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateName,
		Message:  fmt.Sprintf("表示名「%s」は既に使われています。", name),
		Category: CategoryConflict,
		Action:   "別の表示名を入力してください。",
	}
}

// NewWrongSecretError は削除パスワードが一致しない場合のエラーを生成する。
func NewWrongSecretError() *APIError {
	return &APIError{
		Code:     ErrCodeWrongSecret,
		Message:  "削除パスワードが正しくありません。",
		Category: CategoryAuthorization,
		Action:   "管理者に削除パスワードを確認してください。",
	}
}

// NewProviderUnavailableError は外部ログインプロバイダーに接続できない場合のエラーを生成する。
func NewProviderUnavailableError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  fmt.Sprintf("QRコードの取得に失敗しました: %s", reason),
		Category: CategoryUpstream,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	}
}
