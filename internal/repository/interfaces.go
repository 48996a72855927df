// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/rollcall/internal/model"
)

var (
	// ErrDuplicateIdentity は同じ外部ユーザーIDのidentityが既に存在する場合に返される。
	ErrDuplicateIdentity = errors.New("identity with the same external user id already exists")
	// ErrIdentityNotFound は更新・削除対象のidentityが存在しない場合に返される。
	ErrIdentityNotFound = errors.New("identity not found")
)

// IdentityRepository は保存済みアカウント（identity）の永続化インターフェース。
// 1レコードへの変更はすべて単一ステートメントで行う。
type IdentityRepository interface {
	// Create はidentityを作成する。IDとCreatedAtが未設定なら採番する。
	// 外部ユーザーIDが重複する場合はErrDuplicateIdentityを返し、ストアは変更しない。
	Create(ctx context.Context, identity *model.Identity) error

	// ListAll は全identityを作成日時の新しい順に返す。
	ListAll(ctx context.Context) ([]*model.Identity, error)

	// ListWithCookies はCookieを持つidentityだけを作成日時の新しい順に返す。
	ListWithCookies(ctx context.Context) ([]*model.Identity, error)

	// FindByID は指定IDのidentityを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Identity, error)

	// FindByExternalUserID は外部ユーザーIDでidentityを検索する。見つからない場合はnilを返す。
	FindByExternalUserID(ctx context.Context, externalUserID string) (*model.Identity, error)

	// ExistsByDisplayName は同じ表示名のidentityが存在するかを返す。
	ExistsByDisplayName(ctx context.Context, displayName string) (bool, error)

	// UpdateStatus はログイン状態を更新する。
	UpdateStatus(ctx context.Context, id string, status model.LoginStatus) error

	// UpdateCookies はCookieを置き換える。nilまたは空の場合はstatusもLoggedOutにする。
	UpdateCookies(ctx context.Context, id string, cookies model.CookieSet) error

	// Delete はidentityを物理削除する。存在しない場合はErrIdentityNotFoundを返す。
	Delete(ctx context.Context, id string) error
}
