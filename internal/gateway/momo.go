package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"payledger/internal/config"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MoMoIPN MoMo 即时付款通知报文
type MoMoIPN struct {
	PartnerCode  string      `json:"partnerCode"`
	OrderID      string      `json:"orderId"`
	RequestID    string      `json:"requestId"`
	Amount       json.Number `json:"amount"`
	OrderInfo    string      `json:"orderInfo"`
	OrderType    string      `json:"orderType"`
	TransID      json.Number `json:"transId"`
	ResultCode   int         `json:"resultCode"`
	Message      string      `json:"message"`
	PayType      string      `json:"payType"`
	ResponseTime json.Number `json:"responseTime"`
	ExtraData    string      `json:"extraData"`
	Signature    string      `json:"signature"`
}

// MoMo HMAC-SHA256，字段顺序固定
type MoMo struct {
	cfg config.MoMoConfig
}

func NewMoMo(cfg config.MoMoConfig) *MoMo {
	return &MoMo{cfg: cfg}
}

func (g *MoMo) Code() string { return "momo" }

// SignIPN 计算 IPN 报文签名
func (g *MoMo) SignIPN(n *MoMoIPN) string {
	raw := "accessKey=" + g.cfg.AccessKey +
		"&amount=" + n.Amount.String() +
		"&extraData=" + n.ExtraData +
		"&message=" + n.Message +
		"&orderId=" + n.OrderID +
		"&orderInfo=" + n.OrderInfo +
		"&orderType=" + n.OrderType +
		"&partnerCode=" + n.PartnerCode +
		"&payType=" + n.PayType +
		"&requestId=" + n.RequestID +
		"&responseTime=" + n.ResponseTime.String() +
		"&resultCode=" + strconv.Itoa(n.ResultCode) +
		"&transId=" + n.TransID.String()
	return hmacSHA256Hex(g.cfg.SecretKey, raw)
}

func (g *MoMo) Verify(_ http.Header, body []byte) (*CallbackEvent, error) {
	var n MoMoIPN
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n.Signature == "" || !equalHex(g.SignIPN(&n), n.Signature) {
		return nil, ErrSignature
	}
	if n.OrderID == "" {
		return nil, fmt.Errorf("%w: missing orderId", ErrMalformed)
	}

	amount := decimal.Zero
	if n.Amount != "" {
		a, err := decimal.NewFromString(n.Amount.String())
		if err != nil {
			return nil, fmt.Errorf("%w: amount %q", ErrMalformed, n.Amount)
		}
		amount = a
	}

	var outcome string
	switch n.ResultCode {
	case 0:
		outcome = OutcomeSuccess
	case 9000, 1000:
		// 9000 已授权待确认，1000 等待用户确认
		outcome = OutcomeProcessing
	default:
		outcome = OutcomeFailed
	}

	return &CallbackEvent{
		Provider:              g.Code(),
		ReferenceCode:         n.OrderID,
		ExternalTransactionID: n.TransID.String(),
		Outcome:               outcome,
		Amount:                amount,
		Message:               n.Message,
		Raw:                   body,
	}, nil
}

// PaymentURL 生成带签名的跳转链接
// 真实接入时由 MoMo 创建支付接口返回 payUrl，这里只构造同样签名的请求参数
func (g *MoMo) PaymentURL(req PaymentRequest) (string, error) {
	requestID := uuid.NewString()
	amount := req.Amount.StringFixed(0)
	orderInfo := firstNonEmpty(req.Description, "Thanh toan "+req.ReferenceCode)
	redirect := req.ReturnURL
	requestType := "captureWallet"

	raw := "accessKey=" + g.cfg.AccessKey +
		"&amount=" + amount +
		"&extraData=" +
		"&ipnUrl=" + g.cfg.IPNURL +
		"&orderId=" + req.ReferenceCode +
		"&orderInfo=" + orderInfo +
		"&partnerCode=" + g.cfg.PartnerCode +
		"&redirectUrl=" + redirect +
		"&requestId=" + requestID +
		"&requestType=" + requestType

	q := url.Values{}
	q.Set("partnerCode", g.cfg.PartnerCode)
	q.Set("orderId", req.ReferenceCode)
	q.Set("requestId", requestID)
	q.Set("amount", amount)
	q.Set("orderInfo", orderInfo)
	q.Set("redirectUrl", redirect)
	q.Set("ipnUrl", g.cfg.IPNURL)
	q.Set("requestType", requestType)
	q.Set("signature", hmacSHA256Hex(g.cfg.SecretKey, raw))
	return g.cfg.PayURL + "?" + q.Encode(), nil
}
