package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/hitoshi/rollcall/internal/database"
	"github.com/hitoshi/rollcall/internal/model"
)

const identityColumns = `id, external_user_id, display_name, status, cookies, created_at`

// SQLIdentityRepo はPostgreSQLまたはSQLiteを使用したidentityリポジトリ。
// クエリは?プレースホルダで記述し、PostgreSQLでは$nに置き換える。
type SQLIdentityRepo struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLIdentityRepo はSQLIdentityRepoを生成する。
func NewSQLIdentityRepo(db *sql.DB, dialect database.Dialect) *SQLIdentityRepo {
	return &SQLIdentityRepo{db: db, dialect: dialect}
}

// Create はidentityを作成する。
func (r *SQLIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	if identity.ID == "" {
		identity.ID = uuid.New().String()
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now()
	}
	if identity.Cookies.Empty() {
		identity.Status = model.StatusLoggedOut
	}

	cookies, err := encodeCookies(identity.Cookies)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, r.rebind(
		`INSERT INTO identities (`+identityColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		identity.ID, identity.ExternalUserID, identity.DisplayName,
		int(identity.Status), cookies, toMillis(identity.CreatedAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateIdentity
	}
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

// ListAll は全identityを作成日時の新しい順に返す。
func (r *SQLIdentityRepo) ListAll(ctx context.Context) ([]*model.Identity, error) {
	return r.list(ctx, `SELECT `+identityColumns+` FROM identities ORDER BY created_at DESC, id`)
}

// ListWithCookies はCookieを持つidentityを作成日時の新しい順に返す。
func (r *SQLIdentityRepo) ListWithCookies(ctx context.Context) ([]*model.Identity, error) {
	return r.list(ctx, `SELECT `+identityColumns+` FROM identities WHERE cookies IS NOT NULL ORDER BY created_at DESC, id`)
}

func (r *SQLIdentityRepo) list(ctx context.Context, query string) ([]*model.Identity, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	identities := []*model.Identity{}
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate identities: %w", err)
	}
	return identities, nil
}

// FindByID は指定IDのidentityを取得する。見つからない場合はnilを返す。
func (r *SQLIdentityRepo) FindByID(ctx context.Context, id string) (*model.Identity, error) {
	if !validID(id) {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, r.rebind(
		`SELECT `+identityColumns+` FROM identities WHERE id = ?`), id)
	return r.findOne(row)
}

// FindByExternalUserID は外部ユーザーIDでidentityを検索する。見つからない場合はnilを返す。
func (r *SQLIdentityRepo) FindByExternalUserID(ctx context.Context, externalUserID string) (*model.Identity, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(
		`SELECT `+identityColumns+` FROM identities WHERE external_user_id = ?`), externalUserID)
	return r.findOne(row)
}

func (r *SQLIdentityRepo) findOne(row *sql.Row) (*model.Identity, error) {
	identity, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// ExistsByDisplayName は同じ表示名のidentityが存在するかを返す。
func (r *SQLIdentityRepo) ExistsByDisplayName(ctx context.Context, displayName string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(
		`SELECT COUNT(*) FROM identities WHERE display_name = ?`), displayName,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check display name: %w", err)
	}
	return count > 0, nil
}

// UpdateStatus はログイン状態を更新する。
func (r *SQLIdentityRepo) UpdateStatus(ctx context.Context, id string, status model.LoginStatus) error {
	if !validID(id) {
		return ErrIdentityNotFound
	}
	result, err := r.db.ExecContext(ctx, r.rebind(
		`UPDATE identities SET status = ? WHERE id = ?`), int(status), id)
	if err != nil {
		return fmt.Errorf("failed to update identity status: %w", err)
	}
	return requireAffected(result)
}

// UpdateCookies はCookieを置き換える。空にする場合は同じステートメントでstatusを0にする。
func (r *SQLIdentityRepo) UpdateCookies(ctx context.Context, id string, cookies model.CookieSet) error {
	if !validID(id) {
		return ErrIdentityNotFound
	}

	var (
		result sql.Result
		err    error
	)
	if cookies.Empty() {
		result, err = r.db.ExecContext(ctx, r.rebind(
			`UPDATE identities SET cookies = NULL, status = 0 WHERE id = ?`), id)
	} else {
		encoded, encErr := encodeCookies(cookies)
		if encErr != nil {
			return encErr
		}
		result, err = r.db.ExecContext(ctx, r.rebind(
			`UPDATE identities SET cookies = ? WHERE id = ?`), encoded, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update identity cookies: %w", err)
	}
	return requireAffected(result)
}

// Delete はidentityを物理削除する。
func (r *SQLIdentityRepo) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrIdentityNotFound
	}
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM identities WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	return requireAffected(result)
}

// rebind は?プレースホルダをPostgreSQLの$n形式に置き換える。
// クエリ文字列に?のリテラルを含めないこと。
func (r *SQLIdentityRepo) rebind(query string) string {
	if r.dialect != database.DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(s rowScanner) (*model.Identity, error) {
	var (
		identity  model.Identity
		status    int
		cookies   sql.NullString
		createdAt int64
	)
	err := s.Scan(&identity.ID, &identity.ExternalUserID, &identity.DisplayName, &status, &cookies, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan identity: %w", err)
	}

	identity.Status = model.LoginStatus(status)
	identity.CreatedAt = fromMillis(createdAt)
	if cookies.Valid && cookies.String != "" {
		if err := json.Unmarshal([]byte(cookies.String), &identity.Cookies); err != nil {
			return nil, fmt.Errorf("failed to decode cookies of identity %s: %w", identity.ID, err)
		}
	}
	return &identity, nil
}

// encodeCookies はCookieをJSONテキストに変換する。空の場合はNULLを返す。
func encodeCookies(cookies model.CookieSet) (any, error) {
	if cookies.Empty() {
		return nil, nil
	}
	b, err := json.Marshal(cookies)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cookies: %w", err)
	}
	return string(b), nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

// validID はIDがUUID形式かを返す。PostgreSQLのUUID列に不正な値を渡すとエラーになるため事前に弾く。
func validID(id string) bool {
	return uuid.Validate(id) == nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// compile-time interface check
var _ IdentityRepository = (*SQLIdentityRepo)(nil)
