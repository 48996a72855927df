// Package yuketang は雨課堂（yuketang）のQRログインとログイン状態確認を実装する。
package yuketang

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/rollcall/internal/model"
	"github.com/hitoshi/rollcall/internal/probe"
)

// DefaultBaseURL は本番環境のベースURL。
const DefaultBaseURL = "https://www.yuketang.cn"

const userInfoPath = "/v2/api/web/userinfo"

// Requester は認証付きGETを1回実行する。
type Requester interface {
	Do(ctx context.Context, r probe.Request) (*probe.Response, error)
}

// UserInfoProber はuserinfo APIでCookieの有効性を確認する。
type UserInfoProber struct {
	requester Requester
	baseURL   string
	timeout   time.Duration
}

// NewUserInfoProber はUserInfoProberを生成する。
func NewUserInfoProber(requester Requester, baseURL string, timeout time.Duration) *UserInfoProber {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &UserInfoProber{
		requester: requester,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		timeout:   timeout,
	}
}

type userInfoResponse struct {
	Data *struct {
		ID             flexString `json:"id"`
		Name           string     `json:"name"`
		SchoolName     string     `json:"school_name"`
		DepartmentName string     `json:"department_name"`
	} `json:"data"`
}

// WhoAmI はCookieでuserinfoを取得する。
// ユーザーIDを含む応答ならユーザー情報を返し、それ以外の応答（401等）は(nil, nil)を返す。
func (p *UserInfoProber) WhoAmI(ctx context.Context, cookies model.CookieSet) (*model.PlatformUserInfo, error) {
	header := make(http.Header)
	header.Set("Accept", "application/json, text/plain, */*")
	header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	header.Set("Referer", p.baseURL+"/")
	header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := p.requester.Do(ctx, probe.Request{
		URL:     p.baseURL + userInfoPath,
		Cookies: cookies,
		Header:  header,
		Timeout: p.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var body userInfoResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		// ログイン切れのときはHTMLのログインページが返ることがある
		return nil, nil
	}
	if body.Data == nil || body.Data.ID == "" {
		return nil, nil
	}
	return &model.PlatformUserInfo{
		UserID:     string(body.Data.ID),
		Name:       body.Data.Name,
		School:     body.Data.SchoolName,
		Department: body.Data.DepartmentName,
	}, nil
}

// flexString は数値と文字列のどちらでも受け取るJSON値。
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
