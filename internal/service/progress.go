package service

import (
	"context"

	"github.com/jooyeonthemaster/admarket-system/internal/model"
	"github.com/jooyeonthemaster/admarket-system/internal/product"
)

// ComputeProgress возвращает долю выполнения заказа в диапазоне [0, 1].
// Для услуг с подсчётом по контенту считаются подтверждённые единицы,
// для услуг с дневными объёмами — сумма фактических значений.
func (s *Service) ComputeProgress(ctx context.Context, productType model.ProductType, orderID int64) (float64, error) {
	spec, err := s.catalog.Spec(productType)
	if err != nil {
		return 0, err
	}

	order, err := s.repo.GetOrder(ctx, productType, orderID)
	if err != nil {
		return 0, err
	}

	return s.progressFor(ctx, spec, order)
}

func (s *Service) progressFor(ctx context.Context, spec product.Spec, order *model.Order) (float64, error) {
	expected := spec.ExpectedUnits(product.UnitSpec{
		DailyQuantity: order.DailyQuantity,
		Days:          order.Days,
		TotalQuantity: order.TotalQuantity,
	})
	if expected <= 0 {
		return 0, nil
	}

	var done int64
	var err error
	switch spec.Progress {
	case product.ProgressContentItems:
		done, err = s.repo.CountApprovedContent(ctx, order.ProductType, order.ID)
	default:
		done, err = s.repo.SumDailyActuals(ctx, order.ProductType, order.ID)
	}
	if err != nil {
		return 0, err
	}

	return product.ClampRatio(float64(done) / float64(expected)), nil
}
