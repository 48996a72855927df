package model

// DispatchResult はアイデンティティ1件分のチェックイン結果。
// 永続化されず、レポート送信後に破棄される。
type DispatchResult struct {
	IdentityID   string  `json:"accountId"`
	DisplayName  string  `json:"name"`
	Succeeded    bool    `json:"success"`
	StatusCode   *int    `json:"statusCode"`
	BodyExcerpt  *string `json:"responseText"`
	ErrorMessage *string `json:"error"`
}

// DispatchReport は1回のディスパッチの集計結果。
// Resultsの順序は入力スナップショットの順序と一致する。
type DispatchReport struct {
	Total     int              `json:"totalCount"`
	Succeeded int              `json:"successCount"`
	Results   []DispatchResult `json:"results"`
}

// AnySucceeded は1件以上成功したかを返す。
func (r *DispatchReport) AnySucceeded() bool {
	return r.Succeeded > 0
}

// PlatformUserInfo は外部プラットフォームのwho-am-I応答から得たユーザー情報。
type PlatformUserInfo struct {
	UserID     string `json:"userId"`
	Name       string `json:"name"`
	School     string `json:"school,omitempty"`
	Department string `json:"department,omitempty"`
}
