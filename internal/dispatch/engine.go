// Package dispatch は1つのチェックインURLを保存済みの全アイデンティティのCookieで
// 同時に送信し、結果を1つのレポートにまとめる。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/rollcall/internal/metrics"
	"github.com/hitoshi/rollcall/internal/model"
	"github.com/hitoshi/rollcall/internal/probe"
	"github.com/hitoshi/rollcall/internal/security"
)

const (
	acceptHeader         = "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"
	acceptLanguageHeader = "zh-CN,zh;q=0.9,en;q=0.8"
)

// IdentitySource はディスパッチ対象のスナップショットを提供する。
type IdentitySource interface {
	ListWithCookies(ctx context.Context) ([]*model.Identity, error)
}

// Requester は認証付きGETを1回実行する。
type Requester interface {
	Do(ctx context.Context, r probe.Request) (*probe.Response, error)
}

// Engine はチェックインのディスパッチを行う。
type Engine struct {
	identities IdentitySource
	requester  Requester
	guard      *security.TargetGuard
	extractor  *security.TextExtractor
	logger     *slog.Logger
	metrics    metrics.Recorder
	timeout    time.Duration
}

// NewEngine はEngineを生成する。timeoutはアイデンティティ1件あたりの上限時間。
func NewEngine(
	identities IdentitySource,
	requester Requester,
	guard *security.TargetGuard,
	extractor *security.TextExtractor,
	logger *slog.Logger,
	timeout time.Duration,
) *Engine {
	return &Engine{
		identities: identities,
		requester:  requester,
		guard:      guard,
		extractor:  extractor,
		logger:     logger,
		metrics:    metrics.Nop{},
		timeout:    timeout,
	}
}

// SetMetrics はメトリクスの記録先を設定する。
func (e *Engine) SetMetrics(m metrics.Recorder) {
	if m != nil {
		e.metrics = m
	}
}

// DispatchStored はCookieを持つ保存済みアイデンティティのスナップショットに対してディスパッチする。
// 対象が1件もない場合はNO_IDENTITIESエラーを返す。
func (e *Engine) DispatchStored(ctx context.Context, targetURL string) (*model.DispatchReport, error) {
	if err := e.validate(targetURL); err != nil {
		return nil, err
	}

	identities, err := e.identities.ListWithCookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	if len(identities) == 0 {
		return nil, model.NewNoIdentitiesError()
	}

	return e.Dispatch(ctx, targetURL, identities)
}

// Dispatch は各アイデンティティについてtargetURLへのGETを同時に1回ずつ実行する。
// 個別の失敗は結果に記録され、バッチ全体を失敗させない。
// 結果は入力の順序で並ぶ。
func (e *Engine) Dispatch(ctx context.Context, targetURL string, identities []*model.Identity) (*model.DispatchReport, error) {
	if err := e.validate(targetURL); err != nil {
		return nil, err
	}

	start := time.Now()
	e.logger.Info("チェックインを開始します",
		slog.String("url", truncateURL(targetURL)),
		slog.Int("identities", len(identities)),
	)

	results := make([]model.DispatchResult, len(identities))
	probe.FanOut(ctx, len(identities), func(ctx context.Context, i int) {
		results[i] = e.dispatchOne(ctx, targetURL, identities[i])
	})

	report := &model.DispatchReport{
		Total:   len(results),
		Results: results,
	}
	for _, r := range results {
		if r.Succeeded {
			report.Succeeded++
		}
	}

	duration := time.Since(start)
	e.metrics.RecordDispatch(report.Total, report.Succeeded, duration)
	e.logger.Info("チェックインが完了しました",
		slog.Int("total", report.Total),
		slog.Int("succeeded", report.Succeeded),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return report, nil
}

func (e *Engine) dispatchOne(ctx context.Context, targetURL string, identity *model.Identity) model.DispatchResult {
	result := model.DispatchResult{
		IdentityID:  identity.ID,
		DisplayName: identity.DisplayName,
	}

	resp, err := e.requester.Do(ctx, probe.Request{
		URL:     targetURL,
		Cookies: identity.Cookies,
		Header: http.Header{
			"Accept":          {acceptHeader},
			"Accept-Language": {acceptLanguageHeader},
			"Referer":         {targetURL},
		},
		Timeout: e.timeout,
	})
	if err != nil {
		msg := err.Error()
		result.ErrorMessage = &msg

		var perr *probe.Error
		if errors.As(err, &perr) && perr.HasResponse() {
			status := perr.StatusCode
			result.StatusCode = &status
			if len(perr.Body) > 0 {
				excerpt := e.extractor.Extract(string(perr.Body))
				result.BodyExcerpt = &excerpt
			}
		}
		e.metrics.RecordDispatchStatus(derefInt(result.StatusCode))
		e.logger.Warn("チェックインに失敗しました",
			slog.String("account_id", identity.ID),
			slog.String("name", identity.DisplayName),
			slog.String("error", msg),
		)
		return result
	}

	// 応答が得られればステータスコードに関係なく成功とする。
	// 業務上の成否は本文に含まれ、ステータス行には現れない。
	status := resp.StatusCode
	excerpt := e.extractor.Extract(string(resp.Body))
	result.Succeeded = true
	result.StatusCode = &status
	result.BodyExcerpt = &excerpt

	e.metrics.RecordDispatchStatus(status)
	e.logger.Info("チェックイン応答を受信しました",
		slog.String("account_id", identity.ID),
		slog.String("name", identity.DisplayName),
		slog.Int("http_status", status),
		slog.Int("excerpt_length", len([]rune(excerpt))),
	)
	return result
}

func (e *Engine) validate(targetURL string) error {
	if err := e.guard.Validate(targetURL); err != nil {
		return model.NewInvalidURLError(err.Error())
	}
	return nil
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// truncateURL はログ出力用にURLを先頭50文字に切り詰める。
func truncateURL(u string) string {
	const limit = 50
	r := []rune(u)
	if len(r) <= limit {
		return u
	}
	return string(r[:limit]) + "..."
}
