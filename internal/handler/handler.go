package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"payledger/internal/model"
	"payledger/internal/repository"
	"payledger/internal/service"
	"payledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	txns      *service.TransactionService
	ledger    *service.LedgerService
	callbacks *service.CallbackService
	recon     *service.ReconcileService
	stats     *service.StatisticsService
	log       *zap.Logger
}

// NewHandler 创建处理器实例
func NewHandler(
	txns *service.TransactionService,
	ledger *service.LedgerService,
	callbacks *service.CallbackService,
	recon *service.ReconcileService,
	stats *service.StatisticsService,
	log *zap.Logger,
) *Handler {
	return &Handler{
		txns:      txns,
		ledger:    ledger,
		callbacks: callbacks,
		recon:     recon,
		stats:     stats,
		log:       log,
	}
}

// ============================================================
// 错误映射
// ============================================================

func (h *Handler) fail(c *gin.Context, err error) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		response.ParamError(c, ve.Error())
	case errors.Is(err, service.ErrTransactionNotFound):
		response.NotFound(c, response.CodeTransactionNotFound, "交易不存在")
	case errors.Is(err, service.ErrAlertNotFound):
		response.NotFound(c, response.CodeAlertNotFound, "告警不存在")
	case errors.Is(err, service.ErrInsufficientBalance):
		response.BusinessError(c, http.StatusUnprocessableEntity, response.CodeBalanceNotEnough, "余额不足")
	case errors.Is(err, service.ErrAlreadyTerminal):
		response.BusinessError(c, http.StatusConflict, response.CodeAlreadyTerminal, "交易已处于终态")
	case errors.Is(err, service.ErrInvalidTransition):
		response.BusinessError(c, http.StatusConflict, response.CodeInvalidTransition, "当前状态不允许该操作")
	case errors.Is(err, service.ErrConcurrentUpdate):
		response.BusinessError(c, http.StatusConflict, response.CodeConcurrentUpdate, "并发更新冲突，请重试")
	case errors.Is(err, service.ErrMethodInactive):
		response.BusinessError(c, http.StatusBadRequest, response.CodeMethodInactive, "支付方式不可用")
	case errors.Is(err, service.ErrSignature):
		response.BusinessError(c, http.StatusUnauthorized, response.CodeSignatureInvalid, "签名校验失败")
	case errors.Is(err, service.ErrUnknownTransaction):
		response.NotFound(c, response.CodeUnknownTransaction, "交易不存在")
	case errors.Is(err, service.ErrUnknownProvider):
		response.NotFound(c, response.CodeNotFound, "未知的支付渠道")
	default:
		h.log.Error("请求处理失败",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString(ctxRequestID)),
			zap.Error(err))
		response.ServerError(c)
	}
}

// ============================================================
// 请求与响应
// ============================================================

type DepositRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	PaymentMethod  string          `json:"payment_method" binding:"required"`
	Description    string          `json:"description" binding:"max=512"`
	ReturnURL      string          `json:"return_url"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type WithdrawRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	PaymentMethod  string          `json:"payment_method" binding:"required"`
	Description    string          `json:"description" binding:"max=512"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type PayRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description" binding:"max=512"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type RefundRequest struct {
	Reason string `json:"reason" binding:"max=256"`
}

type BonusRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason" binding:"required,max=256"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// PaymentResponse 充值/提现返回
type PaymentResponse struct {
	TransactionID string          `json:"transaction_id"`
	ReferenceCode string          `json:"reference_code"`
	Amount        decimal.Decimal `json:"amount"`
	FeeAmount     decimal.Decimal `json:"fee_amount"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	Status        string          `json:"status"`
	PaymentURL    string          `json:"payment_url,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

func newPaymentResponse(txn *model.Transaction, paymentURL string) PaymentResponse {
	return PaymentResponse{
		TransactionID: txn.ID,
		ReferenceCode: txn.ReferenceCode,
		Amount:        txn.Amount,
		FeeAmount:     txn.FeeAmount,
		NetAmount:     txn.NetAmount,
		Status:        txn.Status,
		PaymentURL:    paymentURL,
		ExpiresAt:     txn.ExpiresAt,
	}
}

// idempotencyKey 优先取 Idempotency-Key 请求头
func idempotencyKey(c *gin.Context, body string) string {
	if k := c.GetHeader("Idempotency-Key"); k != "" {
		return k
	}
	return body
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return false
	}
	return true
}

func pageParams(c *gin.Context) repository.Page {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return repository.Page{Page: page, PageSize: size}.Normalize()
}

// parseTime 支持 RFC3339 和 2006-01-02
func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func transactionFilter(c *gin.Context) (model.TransactionFilter, bool) {
	f := model.TransactionFilter{
		Status:        c.Query("status"),
		Type:          c.Query("type"),
		PaymentMethod: c.Query("payment_method"),
	}
	if f.Status != "" && !model.IsValidStatus(f.Status) {
		response.ParamError(c, "status 参数错误")
		return f, false
	}
	if f.Type != "" && !model.IsValidTransactionType(f.Type) {
		response.ParamError(c, "type 参数错误")
		return f, false
	}
	var err error
	if f.From, err = parseTime(c.Query("from")); err != nil {
		response.ParamError(c, "from 参数错误")
		return f, false
	}
	if f.To, err = parseTime(c.Query("to")); err != nil {
		response.ParamError(c, "to 参数错误")
		return f, false
	}
	return f, true
}

// ============================================================
// 支付方式
// ============================================================

// ListMethods 可用支付方式
// GET /api/v1/payments/methods
func (h *Handler) ListMethods(c *gin.Context) {
	methods, err := h.txns.ActiveMethods(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, methods)
}

// ============================================================
// 用户交易接口
// ============================================================

// Deposit 充值，返回渠道支付链接
// POST /api/v1/payments/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.txns.Deposit(c.Request.Context(), service.DepositRequest{
		UserID:         currentUserID(c),
		Amount:         req.Amount,
		Method:         req.PaymentMethod,
		Description:    req.Description,
		ReturnURL:      req.ReturnURL,
		ClientIP:       c.ClientIP(),
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, newPaymentResponse(result.Transaction, result.PaymentURL))
}

// Withdraw 提现
// POST /api/v1/payments/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.txns.Withdraw(c.Request.Context(), service.WithdrawRequest{
		UserID:         currentUserID(c),
		Amount:         req.Amount,
		Method:         req.PaymentMethod,
		Description:    req.Description,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, newPaymentResponse(result.Transaction, ""))
}

// PayService 余额支付服务费用
// POST /api/v1/payments/pay
func (h *Handler) PayService(c *gin.Context) {
	var req PayRequest
	if !bindJSON(c, &req) {
		return
	}

	txn, err := h.txns.PayService(c.Request.Context(), service.PayServiceRequest{
		UserID:         currentUserID(c),
		Amount:         req.Amount,
		Description:    req.Description,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, txn)
}

// CancelTransaction 取消自己的待支付交易
// POST /api/v1/payments/transactions/:id/cancel
func (h *Handler) CancelTransaction(c *gin.Context) {
	txn, err := h.txns.Cancel(c.Request.Context(), currentUserID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, txn)
}

// ListTransactions 查询自己的交易
// GET /api/v1/payments/transactions?status=&type=&page=&page_size=
func (h *Handler) ListTransactions(c *gin.Context) {
	f, ok := transactionFilter(c)
	if !ok {
		return
	}
	p := pageParams(c)
	txns, total, err := h.txns.ListByUser(c.Request.Context(), currentUserID(c), f, p)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Page(c, txns, total, p.Page, p.PageSize)
}

// GetTransaction 交易详情
// GET /api/v1/payments/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.txns.GetForUser(c.Request.Context(), currentUserID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, txn)
}

// ============================================================
// 余额
// ============================================================

// GetBalance 查询余额
// GET /api/v1/payments/balance
func (h *Handler) GetBalance(c *gin.Context) {
	ub, err := h.ledger.Current(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, ub)
}

// BalanceHistory 余额流水
// GET /api/v1/payments/balance/history
func (h *Handler) BalanceHistory(c *gin.Context) {
	p := pageParams(c)
	snaps, total, err := h.ledger.History(c.Request.Context(), currentUserID(c), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Page(c, snaps, total, p.Page, p.PageSize)
}

// ============================================================
// 网关回调
// ============================================================

// Webhook 网关异步通知
// POST /api/v1/payments/webhook/:provider
func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		response.ParamError(c, "读取请求体失败")
		return
	}
	if len(body) > maxWebhookBody {
		response.Error(c, http.StatusRequestEntityTooLarge, response.CodeParamError, "请求体过大")
		return
	}

	txn, err := h.callbacks.Handle(c.Request.Context(), c.Param("provider"), c.Request.Header, body)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"transaction_id": txn.ID,
		"reference_code": txn.ReferenceCode,
		"status":         txn.Status,
	})
}

// ============================================================
// 管理接口
// ============================================================

// AdminListTransactions 按条件查询全部交易
// GET /api/v1/admin/transactions?user_id=&status=&type=&payment_method=&from=&to=
func (h *Handler) AdminListTransactions(c *gin.Context) {
	f, ok := transactionFilter(c)
	if !ok {
		return
	}
	if v := c.Query("user_id"); v != "" {
		uid, err := strconv.ParseInt(v, 10, 64)
		if err != nil || uid <= 0 {
			response.ParamError(c, "user_id 参数错误")
			return
		}
		f.UserID = uid
	}
	p := pageParams(c)
	txns, total, err := h.txns.ListAll(c.Request.Context(), f, p)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Page(c, txns, total, p.Page, p.PageSize)
}

// AdminGetTransaction 交易详情及状态变更日志
// GET /api/v1/admin/transactions/:id
func (h *Handler) AdminGetTransaction(c *gin.Context) {
	ctx := c.Request.Context()
	txn, err := h.txns.Get(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	logs, err := h.txns.Logs(ctx, txn.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"transaction": txn, "logs": logs})
}

// Statistics 交易统计
// GET /api/v1/admin/statistics?from=&to=&payment_method=
func (h *Handler) Statistics(c *gin.Context) {
	f, ok := transactionFilter(c)
	if !ok {
		return
	}
	stats, err := h.stats.Summary(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, stats)
}

// Refund 退款
// POST /api/v1/admin/transactions/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	txn, err := h.txns.Refund(c.Request.Context(), currentUserID(c), c.Param("id"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, txn)
}

// GrantBonus 赠送余额
// POST /api/v1/admin/users/:user_id/bonus
func (h *Handler) GrantBonus(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "user_id 参数错误")
		return
	}
	var req BonusRequest
	if !bindJSON(c, &req) {
		return
	}
	txn, err := h.txns.GrantBonus(c.Request.Context(), currentUserID(c), userID, req.Amount, req.Reason,
		idempotencyKey(c, req.IdempotencyKey))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, txn)
}

// ListAlerts 对账告警
// GET /api/v1/admin/reconciliation/alerts?resolved=&kind=
func (h *Handler) ListAlerts(c *gin.Context) {
	var resolved *bool
	if v := c.Query("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			response.ParamError(c, "resolved 参数错误")
			return
		}
		resolved = &b
	}
	p := pageParams(c)
	alerts, total, err := h.recon.ListAlerts(c.Request.Context(), resolved, c.Query("kind"), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Page(c, alerts, total, p.Page, p.PageSize)
}

// ResolveAlert 标记告警已复核
// POST /api/v1/admin/reconciliation/alerts/:id/resolve
func (h *Handler) ResolveAlert(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.ParamError(c, "id 参数错误")
		return
	}
	alert, err := h.recon.ResolveAlert(c.Request.Context(), id, adminActor(currentUserID(c)))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, alert)
}

// RunReconcile 手动触发一次对账
// POST /api/v1/admin/reconciliation/run
func (h *Handler) RunReconcile(c *gin.Context) {
	report, err := h.recon.Run(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, report)
}

func adminActor(id int64) string {
	return "admin:" + strconv.FormatInt(id, 10)
}
