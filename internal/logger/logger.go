package logger

import (
	"io"
	"log/slog"
	"os"
)

// level はプロセス全体のログレベル。設定読み込み前はInfoで動作する。
var level = new(slog.LevelVar)

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// 出力レベルはSetLevelで変更できる。
func Setup(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	slog.SetDefault(Setup(w))
}

// SetLevel はSetupで生成した全ロガーの出力レベルを変更する。
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Component はコンポーネント名を付与したロガーを返す。
// baseがnilの場合はグローバルロガーを使う。
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String("component", name))
}
