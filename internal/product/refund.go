package product

import "github.com/shopspring/decimal"

// RefundBand задаёт ставку возврата для доли выполнения, не превышающей UpTo.
type RefundBand struct {
	UpTo float64
	Rate decimal.Decimal
}

// RefundPolicy описывает кривую возврата как упорядоченный набор диапазонов
// выполнения. Кривая настраивается per-тип услуги, а не задана единой константой.
type RefundPolicy struct {
	Bands []RefundBand
}

// DefaultContentRefundPolicy возвращает кривую возврата для услуг,
// выполнение которых считается по единицам контента.
func DefaultContentRefundPolicy() RefundPolicy {
	return RefundPolicy{Bands: []RefundBand{
		{UpTo: 0, Rate: decimal.NewFromInt(1)},
		{UpTo: 0.25, Rate: decimal.NewFromFloat(0.7)},
		{UpTo: 0.5, Rate: decimal.NewFromFloat(0.5)},
		{UpTo: 0.75, Rate: decimal.NewFromFloat(0.2)},
		{UpTo: 1, Rate: decimal.Zero},
	}}
}

// DefaultVolumeRefundPolicy возвращает кривую возврата для услуг,
// выполнение которых считается по дневным объёмам.
func DefaultVolumeRefundPolicy() RefundPolicy {
	return RefundPolicy{Bands: []RefundBand{
		{UpTo: 0, Rate: decimal.NewFromInt(1)},
		{UpTo: 0.3, Rate: decimal.NewFromFloat(0.6)},
		{UpTo: 0.6, Rate: decimal.NewFromFloat(0.3)},
		{UpTo: 1, Rate: decimal.Zero},
	}}
}

// RateFor возвращает ставку возврата для указанной доли выполнения.
// Доля ограничивается диапазоном [0, 1].
func (p RefundPolicy) RateFor(progress float64) decimal.Decimal {
	progress = ClampRatio(progress)
	for _, b := range p.Bands {
		if progress <= b.UpTo {
			return b.Rate
		}
	}
	return decimal.Zero
}

// ComputeRefund вычисляет сумму возврата в баллах по уплаченной сумме и доле
// выполнения. Функция чистая и детерминированная: одинаковые входы всегда
// дают одинаковый результат.
func (p RefundPolicy) ComputeRefund(totalPaid int64, progress float64) int64 {
	if totalPaid <= 0 {
		return 0
	}
	refund := decimal.NewFromInt(totalPaid).Mul(p.RateFor(progress)).Round(0).IntPart()
	if refund < 0 {
		return 0
	}
	if refund > totalPaid {
		return totalPaid
	}
	return refund
}

// ClampRatio ограничивает долю выполнения диапазоном [0, 1].
func ClampRatio(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}
