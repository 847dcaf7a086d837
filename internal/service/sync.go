package service

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jooyeonthemaster/admarket-system/internal/fulfillment"
	"github.com/jooyeonthemaster/admarket-system/internal/model"
	"github.com/jooyeonthemaster/admarket-system/internal/validation"
)

// StartFulfillmentSync запускает фоновый процесс, который подтягивает отчёты
// о выполнении активных заказов из внешней системы отчётности и завершает
// заказы, достигшие полного объёма.
func (s *Service) StartFulfillmentSync(ctx context.Context, interval time.Duration) {
	if s.fulfillmentClient == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processFulfillmentBatch(ctx)
			}
		}
	}()
}

func (s *Service) processFulfillmentBatch(ctx context.Context) {
	orders, err := s.repo.ListOrdersByStatus(ctx, model.OrderStatusInProgress, 100)
	if err != nil {
		s.logger.Warn("list active orders for fulfillment sync", zap.Error(err))
		return
	}

	for _, o := range orders {
		if !validation.IsValidOrderNumber(o.Number) {
			s.logger.Warn("skipping order with malformed number",
				zap.String("number", o.Number), zap.Int64("orderID", o.ID))
			continue
		}

		report, statusCode, retryAfter, err := s.fulfillmentClient.GetOrderReport(ctx, o.ProductType, o.Number)
		if err != nil {
			continue
		}

		if statusCode == http.StatusTooManyRequests {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if report == nil {
			continue
		}

		s.applyReport(ctx, o, report)
	}
}

func (s *Service) applyReport(ctx context.Context, o model.Order, report *fulfillment.OrderReport) {
	for _, item := range report.Content {
		registeredAt := item.RegisteredAt
		if registeredAt.IsZero() {
			registeredAt = time.Now().UTC()
		}
		err := s.repo.UpsertContentItem(ctx, model.ContentItem{
			ProductType:  o.ProductType,
			OrderID:      o.ID,
			ExternalID:   item.ExternalID,
			Approved:     item.Approved,
			RegisteredAt: registeredAt,
		})
		if err != nil {
			s.logger.Warn("upsert content item", zap.Error(err), zap.String("order", o.Number))
			return
		}
	}

	for _, day := range report.Daily {
		date, err := time.Parse("2006-01-02", day.Date)
		if err != nil {
			s.logger.Warn("malformed daily record date",
				zap.String("date", day.Date), zap.String("order", o.Number))
			continue
		}
		err = s.repo.UpsertDailyRecord(ctx, model.DailyRecord{
			ProductType: o.ProductType,
			OrderID:     o.ID,
			RecordDate:  date,
			ActualCount: day.ActualCount,
		})
		if err != nil {
			s.logger.Warn("upsert daily record", zap.Error(err), zap.String("order", o.Number))
			return
		}
	}

	progress, err := s.ComputeProgress(ctx, o.ProductType, o.ID)
	if err != nil {
		s.logger.Warn("compute progress after sync", zap.Error(err), zap.String("order", o.Number))
		return
	}

	if progress >= 1 {
		if err := s.repo.UpdateOrderStatus(ctx, o.ProductType, o.ID, model.OrderStatusCompleted); err != nil {
			s.logger.Warn("complete order", zap.Error(err), zap.String("order", o.Number))
			return
		}
		s.logger.Info("order completed", zap.String("order", o.Number))
	}
}
