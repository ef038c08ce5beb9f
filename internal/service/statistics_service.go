package service

import (
	"context"
	"sort"

	"payledger/internal/model"
	"payledger/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Statistics 管理后台交易统计
type Statistics struct {
	TotalTransactions int64                    `json:"total_transactions"`
	TotalAmount       decimal.Decimal          `json:"total_amount"`
	ByStatus          map[string]StatusSummary `json:"by_status"`
	SuccessRate       float64                  `json:"success_rate"`
	ByMethod          []MethodSummary          `json:"by_method"`
	CompletedVolume   map[string]VolumeSummary `json:"completed_volume"`
	TotalFees         decimal.Decimal          `json:"total_fees"`
}

type StatusSummary struct {
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

type MethodSummary struct {
	PaymentMethod string          `json:"payment_method"`
	Total         int64           `json:"total"`
	Completed     int64           `json:"completed"`
	Failed        int64           `json:"failed"`
	Amount        decimal.Decimal `json:"amount"`
	SuccessRate   float64         `json:"success_rate"`
}

type VolumeSummary struct {
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
	Fee    decimal.Decimal `json:"fee"`
}

type StatisticsService struct {
	txnRepo *repository.TransactionRepository
}

func NewStatisticsService(db *gorm.DB) *StatisticsService {
	return &StatisticsService{txnRepo: repository.NewTransactionRepository(db)}
}

// Summary 按筛选条件汇总
// 成功率 = completed / (completed + failed + cancelled)，进行中的交易不计入
func (s *StatisticsService) Summary(ctx context.Context, f model.TransactionFilter) (*Statistics, error) {
	stats := &Statistics{
		TotalAmount:     decimal.Zero,
		ByStatus:        make(map[string]StatusSummary),
		ByMethod:        []MethodSummary{},
		CompletedVolume: make(map[string]VolumeSummary),
		TotalFees:       decimal.Zero,
	}

	counts, err := s.txnRepo.CountByStatus(ctx, f)
	if err != nil {
		return nil, err
	}
	var finished, completed int64
	for _, c := range counts {
		stats.TotalTransactions += c.Count
		stats.TotalAmount = stats.TotalAmount.Add(c.Amount)
		stats.ByStatus[c.Status] = StatusSummary{Count: c.Count, Amount: c.Amount}
		if model.IsTerminalStatus(c.Status) {
			finished += c.Count
		}
		if c.Status == model.TransactionStatusCompleted {
			completed += c.Count
		}
	}
	stats.SuccessRate = rate(completed, finished)

	rows, err := s.txnRepo.StatsByMethod(ctx, f)
	if err != nil {
		return nil, err
	}
	byMethod := make(map[string]*MethodSummary)
	methodFinished := make(map[string]int64)
	for _, r := range rows {
		m, ok := byMethod[r.PaymentMethod]
		if !ok {
			m = &MethodSummary{PaymentMethod: r.PaymentMethod, Amount: decimal.Zero}
			byMethod[r.PaymentMethod] = m
		}
		m.Total += r.Count
		m.Amount = m.Amount.Add(r.Amount)
		switch r.Status {
		case model.TransactionStatusCompleted:
			m.Completed += r.Count
		case model.TransactionStatusFailed:
			m.Failed += r.Count
		}
		if model.IsTerminalStatus(r.Status) {
			methodFinished[r.PaymentMethod] += r.Count
		}
	}
	for code, m := range byMethod {
		m.SuccessRate = rate(m.Completed, methodFinished[code])
		stats.ByMethod = append(stats.ByMethod, *m)
	}
	sort.Slice(stats.ByMethod, func(i, j int) bool {
		return stats.ByMethod[i].PaymentMethod < stats.ByMethod[j].PaymentMethod
	})

	volumes, err := s.txnRepo.CompletedVolumeByType(ctx, f)
	if err != nil {
		return nil, err
	}
	for _, v := range volumes {
		stats.CompletedVolume[v.Type] = VolumeSummary{Count: v.Count, Amount: v.Amount, Fee: v.Fee}
		stats.TotalFees = stats.TotalFees.Add(v.Fee)
	}
	return stats, nil
}

func rate(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	r, _ := decimal.NewFromInt(n).Div(decimal.NewFromInt(total)).Round(4).Float64()
	return r
}
