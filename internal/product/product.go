// Package product описывает каталог типов услуг: правила тарификации,
// подсчёта выполнения и политику возврата для каждого типа.
package product

import (
	"errors"
	"fmt"

	"github.com/jooyeonthemaster/admarket-system/internal/model"
)

// ErrUnknownProduct возвращается для типа услуги вне каталога.
var ErrUnknownProduct = errors.New("unknown product type")

// ErrInvalidUnits возвращается при некорректном объёме заказа.
var ErrInvalidUnits = errors.New("invalid order units")

// BillingRule описывает правило расчёта стоимости заказа.
type BillingRule int

const (
	// BillingDaily тарифицирует заказ как дневной объём × число дней × цена за единицу.
	BillingDaily BillingRule = iota
	// BillingTotal тарифицирует заказ как общий объём × цена за единицу.
	BillingTotal
)

// ProgressRule описывает правило подсчёта выполнения заказа.
type ProgressRule int

const (
	// ProgressContentItems считает подтверждённые единицы контента.
	ProgressContentItems ProgressRule = iota
	// ProgressDailyRecords суммирует фактические дневные объёмы.
	ProgressDailyRecords
)

// UnitSpec описывает объём приобретаемой работы.
// Для дневной тарификации значимы DailyQuantity и Days, для общей — TotalQuantity.
type UnitSpec struct {
	DailyQuantity int
	Days          int
	TotalQuantity int
}

// Spec описывает один тип услуги каталога.
type Spec struct {
	Type            model.ProductType
	Prefix          string
	Billing         BillingRule
	Progress        ProgressRule
	UnitPrice       int64
	Refund          RefundPolicy
	RequireApproval bool
}

// ExpectedUnits возвращает полный объём работы по заказу в единицах подсчёта выполнения.
func (s Spec) ExpectedUnits(u UnitSpec) int64 {
	switch s.Billing {
	case BillingDaily:
		return int64(u.DailyQuantity) * int64(u.Days)
	default:
		return int64(u.TotalQuantity)
	}
}

// ExpectedCost вычисляет серверную стоимость заказа по настроенной цене за единицу.
func (s Spec) ExpectedCost(u UnitSpec) (int64, error) {
	switch s.Billing {
	case BillingDaily:
		if u.DailyQuantity <= 0 || u.Days <= 0 {
			return 0, fmt.Errorf("%w: daily quantity and days must be positive", ErrInvalidUnits)
		}
	default:
		if u.TotalQuantity <= 0 {
			return 0, fmt.Errorf("%w: total quantity must be positive", ErrInvalidUnits)
		}
	}
	return s.ExpectedUnits(u) * s.UnitPrice, nil
}

// Catalog содержит спецификации всех типов услуг.
type Catalog struct {
	specs map[model.ProductType]Spec
}

// CatalogConfig задаёт настраиваемые параметры каталога: цены за единицу
// и режим отмены через подтверждение администратором.
type CatalogConfig struct {
	Prices          map[model.ProductType]int64
	RequireApproval bool
}

// NewCatalog создаёт каталог услуг с ценами и политиками возврата из конфигурации.
func NewCatalog(cfg CatalogConfig) *Catalog {
	c := &Catalog{specs: make(map[model.ProductType]Spec)}

	add := func(t model.ProductType, prefix string, billing BillingRule, progress ProgressRule, refund RefundPolicy) {
		c.specs[t] = Spec{
			Type:            t,
			Prefix:          prefix,
			Billing:         billing,
			Progress:        progress,
			UnitPrice:       cfg.Prices[t],
			Refund:          refund,
			RequireApproval: cfg.RequireApproval,
		}
	}

	add(model.ProductReward, "PL", BillingDaily, ProgressDailyRecords, DefaultVolumeRefundPolicy())
	add(model.ProductReceipt, "RV", BillingTotal, ProgressContentItems, DefaultContentRefundPolicy())
	add(model.ProductKakaomap, "KM", BillingTotal, ProgressContentItems, DefaultContentRefundPolicy())
	add(model.ProductBlog, "BL", BillingDaily, ProgressDailyRecords, DefaultVolumeRefundPolicy())
	add(model.ProductCafe, "CF", BillingDaily, ProgressDailyRecords, DefaultVolumeRefundPolicy())
	add(model.ProductExperience, "EX", BillingTotal, ProgressContentItems, DefaultContentRefundPolicy())

	return c
}

// Spec возвращает спецификацию типа услуги.
func (c *Catalog) Spec(t model.ProductType) (Spec, error) {
	s, ok := c.specs[t]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownProduct, t)
	}
	return s, nil
}
