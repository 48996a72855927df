package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect はDATABASE_URLのスキームから決まるSQL方言。
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const sqliteScheme = "sqlite://"

// sqliteParams はmodernc.org/sqliteの接続パラメータ。
// 検証バッチの同時UpdateStatusでSQLITE_BUSYにならないよう待機時間を設定する。
const sqliteParams = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// DialectOf はdatabaseURLのスキームから方言を判定する。
// 対応スキーム: postgres://, postgresql://, sqlite://
func DialectOf(databaseURL string) (Dialect, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return DialectPostgres, nil
	case strings.HasPrefix(databaseURL, sqliteScheme):
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database url scheme: %q", schemeOf(databaseURL))
	}
}

// Open はdatabaseURLに応じてPostgreSQLまたはSQLiteの接続を開く。
// PostgreSQLの場合、sql.Openは接続を試行しないため、実際の接続確認にはdb.Ping()を使用すること。
// SQLiteの場合はファイルパス（sqlite://以降）を開き、書き込みを単一接続に直列化する。
func Open(databaseURL string) (*sql.DB, Dialect, error) {
	dialect, err := DialectOf(databaseURL)
	if err != nil {
		return nil, "", err
	}

	switch dialect {
	case DialectSQLite:
		path, err := sqlitePath(databaseURL)
		if err != nil {
			return nil, "", err
		}
		db, err := sql.Open("sqlite", path+"?"+sqliteParams)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(1)
		return db, dialect, nil
	default:
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open database: %w", err)
		}
		return db, dialect, nil
	}
}

// sqlitePath はsqlite://以降のファイルパスを取り出す。クエリ文字列は捨てる。
func sqlitePath(databaseURL string) (string, error) {
	path := strings.TrimPrefix(databaseURL, sqliteScheme)
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("sqlite database path is required")
	}
	return path, nil
}

func schemeOf(databaseURL string) string {
	if i := strings.Index(databaseURL, "://"); i >= 0 {
		return databaseURL[:i]
	}
	return ""
}
