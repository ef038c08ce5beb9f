package gateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"payledger/internal/config"

	"github.com/shopspring/decimal"
)

// ZaloPayCallback 回调外层报文，mac = HMAC-SHA256(key2, data)
type ZaloPayCallback struct {
	Data string `json:"data"`
	Mac  string `json:"mac"`
	Type int    `json:"type"`
}

type zaloPayData struct {
	AppID      json.Number `json:"app_id"`
	AppTransID string      `json:"app_trans_id"`
	AppUser    string      `json:"app_user"`
	Amount     json.Number `json:"amount"`
	ZPTransID  json.Number `json:"zp_trans_id"`
}

type ZaloPay struct {
	cfg config.ZaloPayConfig
}

func NewZaloPay(cfg config.ZaloPayConfig) *ZaloPay {
	return &ZaloPay{cfg: cfg}
}

func (g *ZaloPay) Code() string { return "zalopay" }

func (g *ZaloPay) SignCallback(data string) string {
	return hmacSHA256Hex(g.cfg.Key2, data)
}

// decodeData data 可能是 JSON 字符串，也可能是 base64 编码后的 JSON
func decodeZaloPayData(data string) (*zaloPayData, error) {
	raw := []byte(strings.TrimSpace(data))
	if len(raw) > 0 && raw[0] != '{' {
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("%w: data is neither json nor base64", ErrMalformed)
		}
		raw = decoded
	}
	var d zaloPayData
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.UseNumber()
	if err := decoder.Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &d, nil
}

func (g *ZaloPay) Verify(_ http.Header, body []byte) (*CallbackEvent, error) {
	var cb ZaloPayCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if cb.Mac == "" || !equalHex(g.SignCallback(cb.Data), cb.Mac) {
		return nil, ErrSignature
	}

	d, err := decodeZaloPayData(cb.Data)
	if err != nil {
		return nil, err
	}
	if d.AppTransID == "" {
		return nil, fmt.Errorf("%w: missing app_trans_id", ErrMalformed)
	}

	amount := decimal.Zero
	if d.Amount != "" {
		if amount, err = decimal.NewFromString(d.Amount.String()); err != nil {
			return nil, fmt.Errorf("%w: amount %q", ErrMalformed, d.Amount)
		}
	}

	outcome := OutcomeFailed
	if cb.Type == 1 {
		outcome = OutcomeSuccess
	}

	return &CallbackEvent{
		Provider:              g.Code(),
		ReferenceCode:         d.AppTransID,
		ExternalTransactionID: d.ZPTransID.String(),
		Outcome:               outcome,
		Amount:                amount,
		Message:               "type=" + strconv.Itoa(cb.Type),
		Raw:                   body,
	}, nil
}

// PaymentURL app_trans_id 直接使用交易参考码
func (g *ZaloPay) PaymentURL(req PaymentRequest) (string, error) {
	appUser := "user_" + strconv.FormatInt(req.UserID, 10)
	appTime := strconv.FormatInt(req.CreatedAt.UnixMilli(), 10)
	amount := req.Amount.StringFixed(0)
	embed, err := json.Marshal(map[string]string{"redirecturl": req.ReturnURL})
	if err != nil {
		return "", err
	}
	item := "[]"

	macData := strings.Join([]string{g.cfg.AppID, req.ReferenceCode, appUser, amount, appTime, string(embed), item}, "|")

	q := url.Values{}
	q.Set("app_id", g.cfg.AppID)
	q.Set("app_trans_id", req.ReferenceCode)
	q.Set("app_user", appUser)
	q.Set("app_time", appTime)
	q.Set("amount", amount)
	q.Set("embed_data", string(embed))
	q.Set("item", item)
	q.Set("description", firstNonEmpty(req.Description, "Thanh toan "+req.ReferenceCode))
	q.Set("mac", hmacSHA256Hex(g.cfg.Key1, macData))
	return g.cfg.PayURL + "?" + q.Encode(), nil
}
