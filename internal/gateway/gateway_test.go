package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"payledger/internal/config"

	"github.com/shopspring/decimal"
)

func TestVNPayVerifyForm(t *testing.T) {
	g := NewVNPay(config.VNPayConfig{HashSecret: "TEST_HASH_SECRET"})
	params := map[string]string{
		"vnp_Amount":        "10000000",
		"vnp_BankCode":      "NCB",
		"vnp_ResponseCode":  "00",
		"vnp_TmnCode":       "TEST_TMN_CODE",
		"vnp_TransactionNo": "14226112",
		"vnp_TxnRef":        "TXN2024121512000012345678",
	}
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("vnp_SecureHashType", "SHA512")
	q.Set("vnp_SecureHash", g.Sign(params))

	ev, err := g.Verify(http.Header{}, []byte(q.Encode()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ev.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %s, want success", ev.Outcome)
	}
	if !ev.Amount.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("amount = %s, want 100000", ev.Amount)
	}
	if ev.ReferenceCode != "TXN2024121512000012345678" || ev.ExternalTransactionID != "14226112" {
		t.Errorf("unexpected ids: %+v", ev)
	}
}

func TestVNPayVerifyJSONFailedOutcome(t *testing.T) {
	g := NewVNPay(config.VNPayConfig{HashSecret: "s"})
	params := map[string]string{
		"vnp_Amount":        "5000000",
		"vnp_ResponseCode":  "24",
		"vnp_TransactionNo": "1",
		"vnp_TxnRef":        "TXN1",
	}
	body := map[string]string{}
	for k, v := range params {
		body[k] = v
	}
	body["vnp_SecureHash"] = strings.ToUpper(g.Sign(params))
	raw, _ := json.Marshal(body)

	ev, err := g.Verify(http.Header{}, raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ev.Outcome != OutcomeFailed {
		t.Errorf("outcome = %s, want failed", ev.Outcome)
	}
}

func TestVNPayRejectsTamperedPayload(t *testing.T) {
	g := NewVNPay(config.VNPayConfig{HashSecret: "s"})
	params := map[string]string{"vnp_Amount": "100", "vnp_ResponseCode": "00", "vnp_TxnRef": "TXN1"}
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("vnp_SecureHash", g.Sign(params))
	q.Set("vnp_Amount", "999999")

	if _, err := g.Verify(http.Header{}, []byte(q.Encode())); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}

	q.Del("vnp_SecureHash")
	if _, err := g.Verify(http.Header{}, []byte(q.Encode())); !errors.Is(err, ErrSignature) {
		t.Fatalf("missing hash: expected ErrSignature, got %v", err)
	}
}

func TestVNPayPaymentURLRoundTrip(t *testing.T) {
	g := NewVNPay(config.VNPayConfig{TmnCode: "TMN", HashSecret: "s", PayURL: "https://pay.example/vpcpay.html"})
	u, err := g.PaymentURL(PaymentRequest{
		ReferenceCode: "TXN1",
		Amount:        decimal.NewFromInt(50000),
		CreatedAt:     time.Date(2024, 12, 15, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("PaymentURL: %v", err)
	}
	parsed, err := url.Parse(u)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := parsed.Query()
	if q.Get("vnp_Amount") != "5000000" {
		t.Errorf("vnp_Amount = %s", q.Get("vnp_Amount"))
	}
	params := map[string]string{}
	for k := range q {
		params[k] = q.Get(k)
	}
	if g.Sign(params) != q.Get("vnp_SecureHash") {
		t.Error("payment url signature does not verify")
	}
}

func signedMoMo(g *MoMo, resultCode int) []byte {
	n := MoMoIPN{
		PartnerCode:  "TEST_PARTNER_CODE",
		OrderID:      "TXN1",
		RequestID:    "REQ1",
		Amount:       json.Number("100000"),
		OrderInfo:    "deposit",
		OrderType:    "momo_wallet",
		TransID:      json.Number("2147483647"),
		ResultCode:   resultCode,
		Message:      "Successful.",
		PayType:      "qr",
		ResponseTime: json.Number("1702627200000"),
	}
	n.Signature = g.SignIPN(&n)
	raw, _ := json.Marshal(n)
	return raw
}

func TestMoMoVerifyOutcomes(t *testing.T) {
	g := NewMoMo(config.MoMoConfig{AccessKey: "TEST_ACCESS_KEY", SecretKey: "TEST_SECRET_KEY"})

	tests := []struct {
		code int
		want string
	}{
		{0, OutcomeSuccess},
		{9000, OutcomeProcessing},
		{1000, OutcomeProcessing},
		{1006, OutcomeFailed},
	}
	for _, tt := range tests {
		ev, err := g.Verify(http.Header{}, signedMoMo(g, tt.code))
		if err != nil {
			t.Fatalf("resultCode %d: %v", tt.code, err)
		}
		if ev.Outcome != tt.want {
			t.Errorf("resultCode %d: outcome %s, want %s", tt.code, ev.Outcome, tt.want)
		}
		if ev.ExternalTransactionID != "2147483647" || !ev.Amount.Equal(decimal.NewFromInt(100000)) {
			t.Errorf("unexpected event %+v", ev)
		}
	}
}

func TestMoMoRejectsWrongSecret(t *testing.T) {
	signer := NewMoMo(config.MoMoConfig{AccessKey: "a", SecretKey: "attacker"})
	g := NewMoMo(config.MoMoConfig{AccessKey: "a", SecretKey: "real"})
	if _, err := g.Verify(http.Header{}, signedMoMo(signer, 0)); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
}

func TestZaloPayVerify(t *testing.T) {
	g := NewZaloPay(config.ZaloPayConfig{Key2: "TEST_KEY2"})
	data := `{"app_id":553,"app_trans_id":"TXN9","app_user":"user_1","amount":50000,"zp_trans_id":240101000001}`

	for name, payload := range map[string]string{
		"json":   data,
		"base64": base64.StdEncoding.EncodeToString([]byte(data)),
	} {
		t.Run(name, func(t *testing.T) {
			body, _ := json.Marshal(ZaloPayCallback{Data: payload, Mac: g.SignCallback(payload), Type: 1})
			ev, err := g.Verify(http.Header{}, body)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if ev.ReferenceCode != "TXN9" || ev.ExternalTransactionID != "240101000001" {
				t.Errorf("unexpected ids %+v", ev)
			}
			if ev.Outcome != OutcomeSuccess || !ev.Amount.Equal(decimal.NewFromInt(50000)) {
				t.Errorf("unexpected event %+v", ev)
			}
		})
	}

	body, _ := json.Marshal(ZaloPayCallback{Data: data, Mac: "deadbeef", Type: 1})
	if _, err := g.Verify(http.Header{}, body); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}

	failed, _ := json.Marshal(ZaloPayCallback{Data: data, Mac: g.SignCallback(data), Type: -1})
	ev, err := g.Verify(http.Header{}, failed)
	if err != nil || ev.Outcome != OutcomeFailed {
		t.Fatalf("type -1: ev=%+v err=%v", ev, err)
	}
}

func TestBankTransferVerify(t *testing.T) {
	now := time.Unix(1700000000, 0)
	g := NewBankTransfer(config.BankTransferConfig{Secret: "bank"}, time.Minute)
	g.now = func() time.Time { return now }

	body := []byte(`{"reference_code":"TXN5","transfer_id":"BT-1","status":"success","amount":"50000"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	h := http.Header{}
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderSignature, g.Sign(ts, body))
	ev, err := g.Verify(h, body)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ev.Outcome != OutcomeSuccess || ev.ExternalTransactionID != "BT-1" {
		t.Errorf("unexpected event %+v", ev)
	}

	stale := strconv.FormatInt(now.Add(-2*time.Minute).Unix(), 10)
	h.Set(HeaderTimestamp, stale)
	h.Set(HeaderSignature, g.Sign(stale, body))
	if _, err := g.Verify(h, body); !errors.Is(err, ErrSignature) {
		t.Fatalf("stale timestamp: expected ErrSignature, got %v", err)
	}

	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderSignature, g.Sign(ts, []byte(`{}`)))
	if _, err := g.Verify(h, body); !errors.Is(err, ErrSignature) {
		t.Fatalf("wrong body: expected ErrSignature, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistryFromConfig(&config.GatewaysConfig{}, time.Minute)
	for _, code := range []string{"vnpay", "momo", "zalopay", "bank_transfer"} {
		if _, err := r.Get(code); err != nil {
			t.Errorf("Get(%s): %v", code, err)
		}
	}
	if _, err := r.Get("paypal"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}
