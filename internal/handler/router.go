package handler

import (
	"net/http"

	"payledger/internal/infrastructure/metrics"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, tm *TokenManager, log *zap.Logger) *gin.Engine {
	r := gin.New()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(MetricsMiddleware())
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api/v1")
	{
		payments := api.Group("/payments")
		{
			payments.GET("/methods", h.ListMethods)
			// 网关回调只做签名校验，不走用户认证
			payments.POST("/webhook/:provider", h.Webhook)

			user := payments.Group("", AuthMiddleware(tm))
			user.POST("/deposit", h.Deposit)
			user.POST("/withdraw", h.Withdraw)
			user.POST("/pay", h.PayService)
			user.GET("/transactions", h.ListTransactions)
			user.GET("/transactions/:id", h.GetTransaction)
			user.POST("/transactions/:id/cancel", h.CancelTransaction)
			user.GET("/balance", h.GetBalance)
			user.GET("/balance/history", h.BalanceHistory)
		}

		admin := api.Group("/admin", AuthMiddleware(tm), RequireRole(RoleAdmin))
		{
			admin.GET("/transactions", h.AdminListTransactions)
			admin.GET("/transactions/:id", h.AdminGetTransaction)
			admin.POST("/transactions/:id/refund", h.Refund)
			admin.POST("/users/:user_id/bonus", h.GrantBonus)
			admin.GET("/statistics", h.Statistics)
			admin.GET("/reconciliation/alerts", h.ListAlerts)
			admin.POST("/reconciliation/alerts/:id/resolve", h.ResolveAlert)
			admin.POST("/reconciliation/run", h.RunReconcile)
		}
	}

	return r
}
