package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"payledger/internal/config"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 网关回调校验
// ============================================================================
//
// 每个支付渠道实现 Gateway 接口：
//   Verify     校验回调签名，并把渠道报文转换成统一的 CallbackEvent
//   PaymentURL 生成跳转支付链接（仅拼接并签名，不调用渠道接口）
//
// 签名比较一律使用 hmac.Equal，避免时序侧信道。
// ============================================================================

var (
	ErrSignature       = errors.New("回调签名校验失败")
	ErrMalformed       = errors.New("回调报文格式错误")
	ErrUnknownProvider = errors.New("未知的支付渠道")
)

const (
	OutcomeSuccess    = "success"
	OutcomeFailed     = "failed"
	OutcomeProcessing = "processing"
)

// CallbackEvent 统一的回调事件
type CallbackEvent struct {
	Provider              string
	ReferenceCode         string
	ExternalTransactionID string
	Outcome               string
	// Amount 渠道报告的金额，未携带金额时为零值
	Amount  decimal.Decimal
	Message string
	Raw     []byte
}

// PaymentRequest 生成支付链接所需的参数
type PaymentRequest struct {
	ReferenceCode string
	UserID        int64
	Amount        decimal.Decimal
	Description   string
	ReturnURL     string
	ClientIP      string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

type Gateway interface {
	Code() string
	Verify(header http.Header, body []byte) (*CallbackEvent, error)
	PaymentURL(req PaymentRequest) (string, error)
}

// Registry 按渠道代码查找网关
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gws ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gws))}
	for _, g := range gws {
		r.gateways[g.Code()] = g
	}
	return r
}

// NewRegistryFromConfig 注册所有已配置的网关
func NewRegistryFromConfig(cfg *config.GatewaysConfig, timestampWindow time.Duration) *Registry {
	return NewRegistry(
		NewVNPay(cfg.VNPay),
		NewMoMo(cfg.MoMo),
		NewZaloPay(cfg.ZaloPay),
		NewBankTransfer(cfg.BankTransfer, timestampWindow),
	)
}

func (r *Registry) Get(code string) (Gateway, error) {
	g, ok := r.gateways[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, code)
	}
	return g, nil
}

// ============================================================================
// 签名工具
// ============================================================================

func hmacSHA256Hex(key, data string) string {
	m := hmac.New(sha256.New, []byte(key))
	m.Write([]byte(data))
	return hex.EncodeToString(m.Sum(nil))
}

func hmacSHA512Hex(key, data string) string {
	m := hmac.New(sha512.New, []byte(key))
	m.Write([]byte(data))
	return hex.EncodeToString(m.Sum(nil))
}

// equalHex 忽略大小写比较十六进制签名
func equalHex(expected, received string) bool {
	return hmac.Equal([]byte(strings.ToLower(expected)), []byte(strings.ToLower(received)))
}

// canonicalQuery 按 key 排序拼接 k=v&k=v，值不做转义
func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}
