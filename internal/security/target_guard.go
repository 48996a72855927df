package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrInvalidTarget はチェックイン対象URLが絶対http(s)URLでない場合のエラー。
var ErrInvalidTarget = errors.New("invalid target url")

// ErrBlockedTarget はSSRF防止によりチェックイン対象URLが拒否された場合のエラー。
var ErrBlockedTarget = errors.New("blocked target url")

// allowedSchemes はチェックイン対象として許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedPrefixes はプライベートアドレス遮断時に拒否するネットワーク範囲。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	// クラウドメタデータIP (169.254.169.254) を含む
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// ParseTargetURL はチェックイン対象URLを解析し、絶対http(s)URLであることを検証する。
func ParseTargetURL(rawURL string) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidTarget)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if !isAllowedScheme(parsed.Scheme) {
		return nil, fmt.Errorf("%w: scheme %q is not allowed", ErrInvalidTarget, parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidTarget)
	}
	return parsed, nil
}

// TargetGuard はチェックイン対象URLの検証とHTTPクライアント生成を担う。
// blockPrivateが有効な場合、プライベート・ループバック・リンクローカル宛てを拒否する。
type TargetGuard struct {
	blockPrivate bool
}

// NewTargetGuard はTargetGuardを生成する。
func NewTargetGuard(blockPrivate bool) *TargetGuard {
	return &TargetGuard{blockPrivate: blockPrivate}
}

// BlocksPrivate はプライベートアドレス遮断が有効かを返す。
func (g *TargetGuard) BlocksPrivate() bool {
	return g.blockPrivate
}

// Validate はURLを検証する。DNS解決を伴わない静的な検証のみを行い、
// DNS再バインディングはHTTPClientが返すクライアントのDialer側で防ぐ。
func (g *TargetGuard) Validate(rawURL string) error {
	parsed, err := ParseTargetURL(rawURL)
	if err != nil {
		return err
	}
	if !g.blockPrivate {
		return nil
	}

	host := parsed.Hostname()
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("%w: host %s", ErrBlockedTarget, host)
	}
	if addr, err := netip.ParseAddr(host); err == nil && isBlockedAddr(addr) {
		return fmt.Errorf("%w: address %s", ErrBlockedTarget, addr)
	}
	return nil
}

// HTTPClient はチェックイン要求用のHTTPクライアントを生成する。
// 遮断が有効な場合はsafeurlのクライアントを返し、接続時に解決後のIPを検証する。
func (g *TargetGuard) HTTPClient(timeout time.Duration) *http.Client {
	if !g.blockPrivate {
		return &http.Client{Timeout: timeout}
	}
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(config).Client
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
