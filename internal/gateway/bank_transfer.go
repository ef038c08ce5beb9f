package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"payledger/internal/config"

	"github.com/shopspring/decimal"
)

const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// BankTransferNotice 银行代付结果通知
type BankTransferNotice struct {
	ReferenceCode string          `json:"reference_code"`
	TransferID    string          `json:"transfer_id"`
	Status        string          `json:"status"` // success | failed | processing
	Amount        decimal.Decimal `json:"amount"`
	Message       string          `json:"message"`
}

// BankTransfer X-Signature = hex(HMAC-SHA256(secret, timestamp + "." + body))
type BankTransfer struct {
	cfg    config.BankTransferConfig
	window time.Duration
	now    func() time.Time
}

func NewBankTransfer(cfg config.BankTransferConfig, window time.Duration) *BankTransfer {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &BankTransfer{cfg: cfg, window: window, now: time.Now}
}

func (g *BankTransfer) Code() string { return "bank_transfer" }

func (g *BankTransfer) Sign(timestamp string, body []byte) string {
	return hmacSHA256Hex(g.cfg.Secret, timestamp+"."+string(body))
}

func (g *BankTransfer) Verify(header http.Header, body []byte) (*CallbackEvent, error) {
	ts := header.Get(HeaderTimestamp)
	sig := header.Get(HeaderSignature)
	if ts == "" || sig == "" {
		return nil, ErrSignature
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrSignature
	}
	skew := g.now().Sub(time.Unix(sec, 0))
	if skew < -g.window || skew > g.window {
		return nil, ErrSignature
	}
	if !equalHex(g.Sign(ts, body), sig) {
		return nil, ErrSignature
	}

	var n BankTransferNotice
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n.ReferenceCode == "" {
		return nil, fmt.Errorf("%w: missing reference_code", ErrMalformed)
	}

	outcome := OutcomeFailed
	switch strings.ToLower(n.Status) {
	case "success", "completed":
		outcome = OutcomeSuccess
	case "processing", "pending":
		outcome = OutcomeProcessing
	}

	return &CallbackEvent{
		Provider:              g.Code(),
		ReferenceCode:         n.ReferenceCode,
		ExternalTransactionID: n.TransferID,
		Outcome:               outcome,
		Amount:                n.Amount,
		Message:               n.Message,
		Raw:                   body,
	}, nil
}

// PaymentURL 银行代付没有跳转页面
func (g *BankTransfer) PaymentURL(PaymentRequest) (string, error) {
	return "", nil
}
