package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"payledger/internal/config"

	"github.com/shopspring/decimal"
)

const (
	vnpSecureHash     = "vnp_SecureHash"
	vnpSecureHashType = "vnp_SecureHashType"
)

// VNPay HMAC-SHA512，签名串为按 key 排序的 vnp_* 参数
type VNPay struct {
	cfg config.VNPayConfig
}

func NewVNPay(cfg config.VNPayConfig) *VNPay {
	return &VNPay{cfg: cfg}
}

func (g *VNPay) Code() string { return "vnpay" }

func (g *VNPay) Sign(params map[string]string) string {
	signed := make(map[string]string, len(params))
	for k, v := range params {
		if !strings.HasPrefix(k, "vnp_") || k == vnpSecureHash || k == vnpSecureHashType || v == "" {
			continue
		}
		signed[k] = v
	}
	return hmacSHA512Hex(g.cfg.HashSecret, canonicalQuery(signed))
}

// parseParams 支持表单和 JSON 两种回调报文
func parseParams(body []byte) (map[string]string, error) {
	trimmed := strings.TrimSpace(string(body))
	params := make(map[string]string)

	if strings.HasPrefix(trimmed, "{") {
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		for k, v := range raw {
			switch val := v.(type) {
			case string:
				params[k] = val
			case float64:
				params[k] = decimal.NewFromFloat(val).String()
			case nil:
			default:
				params[k] = fmt.Sprint(val)
			}
		}
		return params, nil
	}

	values, err := url.ParseQuery(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for k := range values {
		params[k] = values.Get(k)
	}
	return params, nil
}

func (g *VNPay) Verify(_ http.Header, body []byte) (*CallbackEvent, error) {
	params, err := parseParams(body)
	if err != nil {
		return nil, err
	}

	received := params[vnpSecureHash]
	if received == "" {
		return nil, ErrSignature
	}
	if !equalHex(g.Sign(params), received) {
		return nil, ErrSignature
	}

	ref := params["vnp_TxnRef"]
	if ref == "" {
		return nil, fmt.Errorf("%w: missing vnp_TxnRef", ErrMalformed)
	}

	amount := decimal.Zero
	if raw := params["vnp_Amount"]; raw != "" {
		a, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: vnp_Amount %q", ErrMalformed, raw)
		}
		amount = a.Div(decimal.NewFromInt(100))
	}

	outcome := OutcomeFailed
	if params["vnp_ResponseCode"] == "00" {
		if st, ok := params["vnp_TransactionStatus"]; !ok || st == "" || st == "00" {
			outcome = OutcomeSuccess
		}
	}

	return &CallbackEvent{
		Provider:              g.Code(),
		ReferenceCode:         ref,
		ExternalTransactionID: params["vnp_TransactionNo"],
		Outcome:               outcome,
		Amount:                amount,
		Message:               params["vnp_ResponseCode"],
		Raw:                   body,
	}, nil
}

func (g *VNPay) PaymentURL(req PaymentRequest) (string, error) {
	params := map[string]string{
		"vnp_Version":    "2.1.0",
		"vnp_Command":    "pay",
		"vnp_TmnCode":    g.cfg.TmnCode,
		"vnp_Amount":     req.Amount.Mul(decimal.NewFromInt(100)).StringFixed(0),
		"vnp_CurrCode":   "VND",
		"vnp_TxnRef":     req.ReferenceCode,
		"vnp_OrderInfo":  req.Description,
		"vnp_OrderType":  "other",
		"vnp_Locale":     "vn",
		"vnp_ReturnUrl":  firstNonEmpty(req.ReturnURL, g.cfg.ReturnURL),
		"vnp_IpAddr":     firstNonEmpty(req.ClientIP, "127.0.0.1"),
		"vnp_CreateDate": req.CreatedAt.Format("20060102150405"),
	}
	if !req.ExpiresAt.IsZero() {
		params["vnp_ExpireDate"] = req.ExpiresAt.Format("20060102150405")
	}
	if params["vnp_OrderInfo"] == "" {
		params["vnp_OrderInfo"] = "Nap tien " + req.ReferenceCode
	}

	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set(vnpSecureHash, g.Sign(params))
	return g.cfg.PayURL + "?" + q.Encode(), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
