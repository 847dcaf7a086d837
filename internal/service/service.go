// Package service реализует бизнес-логику портала маркетинговых услуг:
// координацию жизненного цикла заказов, журнал баллов и расчёт возвратов.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jooyeonthemaster/admarket-system/internal/fulfillment"
	"github.com/jooyeonthemaster/admarket-system/internal/model"
	"github.com/jooyeonthemaster/admarket-system/internal/product"
	"github.com/jooyeonthemaster/admarket-system/internal/repository"
)

// ErrCostMismatch возвращается, если заявленная клиентом стоимость не совпадает
// с серверным расчётом. Защита от подмены цены на стороне клиента.
var (
	ErrCostMismatch = errors.New("declared cost does not match expected cost")
	// ErrPricingUnavailable возвращается, если для типа услуги не настроена цена.
	ErrPricingUnavailable = errors.New("no unit price configured for product type")
	// ErrNotCancellable возвращается при попытке отменить заказ в неподходящем статусе.
	ErrNotCancellable = errors.New("order is not cancellable")
	// ErrInvalidRefund возвращается при недопустимой сумме возврата, указанной администратором.
	ErrInvalidRefund = errors.New("final refund out of allowed range")
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInconsistency возвращается, если компенсация сбоя сама завершилась сбоем.
	// Требуется ручная сверка; автоматический повтор запрещён из-за риска
	// двойного списания.
	ErrInconsistency = errors.New("ledger inconsistency: manual reconciliation required")
)

// costTolerance — допуск на округление при сверке заявленной стоимости.
const costTolerance = 1

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateClient(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetClientByLogin(ctx context.Context, login string) (*model.Client, error)
	GetClient(ctx context.Context, clientID int64) (*model.Client, error)
	GetBalance(ctx context.Context, clientID int64) (int64, error)
	NextOrderNumber(ctx context.Context, prefix string) (string, error)
	InsertOrder(ctx context.Context, o *model.Order) (int64, error)
	DeleteOrder(ctx context.Context, productType model.ProductType, orderID int64) error
	GetOrder(ctx context.Context, productType model.ProductType, orderID int64) (*model.Order, error)
	ListOrders(ctx context.Context, clientID int64) ([]model.Order, error)
	ListOrdersByStatus(ctx context.Context, status model.OrderStatus, limit int) ([]model.Order, error)
	UpdateOrderStatus(ctx context.Context, productType model.ProductType, orderID int64, newStatus model.OrderStatus) error
	DebitForOrder(ctx context.Context, clientID, amount int64, productType model.ProductType, orderID int64, description string) (int64, error)
	CreditPoints(ctx context.Context, clientID, amount int64, txType model.TransactionType, productType model.ProductType, orderID int64, description string) (int64, error)
	ListTransactions(ctx context.Context, clientID int64) ([]model.Transaction, error)
	SumTransactions(ctx context.Context, clientID int64) (int64, error)
	CreateCancellationRequest(ctx context.Context, req *model.CancellationRequest) (int64, error)
	CancelOrderImmediate(ctx context.Context, req *model.CancellationRequest, refund int64, description string) (int64, error)
	GetCancellationRequest(ctx context.Context, requestID int64) (*model.CancellationRequest, error)
	FinalizeCancellation(ctx context.Context, requestID, finalRefund int64, description string) (*model.CancellationRequest, error)
	RejectCancellation(ctx context.Context, requestID int64) (*model.CancellationRequest, error)
	CountApprovedContent(ctx context.Context, productType model.ProductType, orderID int64) (int64, error)
	SumDailyActuals(ctx context.Context, productType model.ProductType, orderID int64) (int64, error)
	UpsertContentItem(ctx context.Context, item model.ContentItem) error
	UpsertDailyRecord(ctx context.Context, rec model.DailyRecord) error
}

// Service координирует жизненный цикл заказов и движение баллов.
type Service struct {
	repo              Repository
	catalog           *product.Catalog
	fulfillmentClient *fulfillment.Client
	logger            *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием, каталогом услуг
// и клиентом системы отчётности о выполнении.
func NewService(repo Repository, catalog *product.Catalog, fc *fulfillment.Client, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:              repo,
		catalog:           catalog,
		fulfillmentClient: fc,
		logger:            logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterClient регистрирует нового клиента портала.
func (s *Service) RegisterClient(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateClient(ctx, login, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateClient проверяет логин и пароль клиента и возвращает его идентификатор.
func (s *Service) AuthenticateClient(ctx context.Context, login, password string) (int64, error) {
	c, err := s.repo.GetClientByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(c.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return c.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// CreateOrder создаёт заказ: проверяет серверную стоимость, выдаёт номер,
// вставляет заказ и атомарно списывает баллы с записью в журнал.
// До первого мутирующего шага все проверки выполняются без побочных эффектов.
func (s *Service) CreateOrder(ctx context.Context, clientID int64, productType model.ProductType, units product.UnitSpec, declaredCost int64) (*model.Order, error) {
	spec, err := s.catalog.Spec(productType)
	if err != nil {
		return nil, err
	}
	if spec.UnitPrice <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrPricingUnavailable, productType)
	}

	expectedCost, err := spec.ExpectedCost(units)
	if err != nil {
		return nil, err
	}

	if diff := expectedCost - declaredCost; diff > costTolerance || diff < -costTolerance {
		return nil, fmt.Errorf("%w: expected %d, declared %d", ErrCostMismatch, expectedCost, declaredCost)
	}

	client, err := s.repo.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.Active {
		return nil, repository.ErrClientInactive
	}
	if client.Points < expectedCost {
		return nil, repository.ErrInsufficientFunds
	}

	number, err := s.repo.NextOrderNumber(ctx, spec.Prefix)
	if err != nil {
		return nil, err
	}

	order := &model.Order{
		ClientID:      clientID,
		ProductType:   productType,
		Number:        number,
		Status:        model.OrderStatusPending,
		DailyQuantity: units.DailyQuantity,
		Days:          units.Days,
		TotalQuantity: units.TotalQuantity,
		TotalCost:     expectedCost,
	}

	orderID, err := s.repo.InsertOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	order.ID = orderID

	_, err = s.repo.DebitForOrder(ctx, clientID, expectedCost, productType, orderID,
		fmt.Sprintf("order %s payment", number))
	if err != nil {
		// Заказ без списания существовать не должен: компенсирующее удаление.
		if delErr := s.repo.DeleteOrder(ctx, productType, orderID); delErr != nil {
			s.logger.Error("fatal inconsistency: order insert compensation failed",
				zap.Int64("clientID", clientID),
				zap.String("productType", string(productType)),
				zap.Int64("orderID", orderID),
				zap.String("orderNumber", number),
				zap.NamedError("debitError", err),
				zap.NamedError("deleteError", delErr),
			)
			return nil, fmt.Errorf("%w: order %s", ErrInconsistency, number)
		}
		return nil, err
	}

	return order, nil
}

// RequestCancellation создаёт заявку на отмену заказа. В одношаговом режиме
// возврат зачисляется сразу и заказ переходит в cancelled; в режиме
// подтверждения заказ переходит в cancellation_requested, а баланс не
// меняется до решения администратора.
func (s *Service) RequestCancellation(ctx context.Context, clientID int64, productType model.ProductType, orderID int64, reason string) (*model.CancellationRequest, error) {
	spec, err := s.catalog.Spec(productType)
	if err != nil {
		return nil, err
	}

	order, err := s.repo.GetOrder(ctx, productType, orderID)
	if err != nil {
		return nil, err
	}
	if order.ClientID != clientID {
		return nil, repository.ErrOrderNotFound
	}

	if !model.CanRequestCancellation(order.Status) {
		return nil, fmt.Errorf("%w: status %s", ErrNotCancellable, order.Status)
	}

	progress, err := s.progressFor(ctx, spec, order)
	if err != nil {
		return nil, err
	}

	refund := spec.Refund.ComputeRefund(order.TotalCost, progress)

	req := &model.CancellationRequest{
		ClientID:         clientID,
		ProductType:      productType,
		OrderID:          orderID,
		Reason:           reason,
		PreviousStatus:   order.Status,
		ProgressRatio:    progress,
		CalculatedRefund: refund,
	}

	if spec.RequireApproval {
		id, err := s.repo.CreateCancellationRequest(ctx, req)
		if err != nil {
			return nil, mapRepoCancelError(err, order.Number)
		}
		req.ID = id
		req.Status = model.CancellationPending
		return req, nil
	}

	id, err := s.repo.CancelOrderImmediate(ctx, req, refund,
		fmt.Sprintf("order %s cancellation refund", order.Number))
	if err != nil {
		return nil, mapRepoCancelError(err, order.Number)
	}
	req.ID = id
	req.Status = model.CancellationApproved
	req.FinalRefund = &refund
	return req, nil
}

// mapRepoCancelError переводит отказ хранилища при гонке отмен в ошибку
// уровня сервиса: статус заказа успел измениться после проверки координатора.
func mapRepoCancelError(err error, orderNumber string) error {
	if errors.Is(err, repository.ErrNotCancellable) {
		return fmt.Errorf("%w: order %s changed status", ErrNotCancellable, orderNumber)
	}
	return err
}

// DecideCancellation применяет решение администратора по заявке на отмену.
// При одобрении зачисляется итоговый возврат (администратор может указать
// сумму, отличную от расчётной, в пределах стоимости заказа); при отклонении
// заказ возвращается в статус до заявки без изменения баланса.
func (s *Service) DecideCancellation(ctx context.Context, requestID int64, approve bool, overrideRefund *int64) (*model.CancellationRequest, error) {
	if !approve {
		return s.repo.RejectCancellation(ctx, requestID)
	}

	req, err := s.repo.GetCancellationRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != model.CancellationPending {
		return nil, repository.ErrRequestDecided
	}

	order, err := s.repo.GetOrder(ctx, req.ProductType, req.OrderID)
	if err != nil {
		return nil, err
	}

	finalRefund := req.CalculatedRefund
	if overrideRefund != nil {
		if *overrideRefund < 0 || *overrideRefund > order.TotalCost {
			return nil, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidRefund, *overrideRefund, order.TotalCost)
		}
		finalRefund = *overrideRefund
	}

	return s.repo.FinalizeCancellation(ctx, requestID, finalRefund,
		fmt.Sprintf("order %s cancellation refund", order.Number))
}

// GetBalance возвращает текущий баланс баллов клиента.
func (s *Service) GetBalance(ctx context.Context, clientID int64) (int64, error) {
	return s.repo.GetBalance(ctx, clientID)
}

// ListTransactions возвращает журнал движения баллов клиента, новые записи первыми.
func (s *Service) ListTransactions(ctx context.Context, clientID int64) ([]model.Transaction, error) {
	return s.repo.ListTransactions(ctx, clientID)
}

// ListOrders возвращает заказы клиента по всем типам услуг.
func (s *Service) ListOrders(ctx context.Context, clientID int64) ([]model.Order, error) {
	return s.repo.ListOrders(ctx, clientID)
}

// GetOrder возвращает заказ клиента по типу услуги и идентификатору.
func (s *Service) GetOrder(ctx context.Context, clientID int64, productType model.ProductType, orderID int64) (*model.Order, error) {
	order, err := s.repo.GetOrder(ctx, productType, orderID)
	if err != nil {
		return nil, err
	}
	if order.ClientID != clientID {
		return nil, repository.ErrOrderNotFound
	}
	return order, nil
}

// TopUpPoints зачисляет баллы клиенту после внешней оплаты.
func (s *Service) TopUpPoints(ctx context.Context, clientID, amount int64, description string) (int64, error) {
	if amount <= 0 {
		return 0, errors.New("top-up amount must be positive")
	}
	return s.repo.CreditPoints(ctx, clientID, amount, model.TransactionTopUp, "", 0, description)
}

// AdvanceOrderStatus переводит заказ в следующий статус выполнения.
// Статусы отмены управляются только координатором отмен.
func (s *Service) AdvanceOrderStatus(ctx context.Context, productType model.ProductType, orderID int64, newStatus model.OrderStatus) error {
	if newStatus == model.OrderStatusCancelled || newStatus == model.OrderStatusCancelRequest {
		return fmt.Errorf("%w: %s is managed by the cancellation flow", repository.ErrInvalidTransition, newStatus)
	}
	return s.repo.UpdateOrderStatus(ctx, productType, orderID, newStatus)
}

// LedgerReport содержит результат сверки журнала с балансом клиента.
type LedgerReport struct {
	ClientID        int64 `json:"client_id"`
	Balance         int64 `json:"balance"`
	TransactionsSum int64 `json:"transactions_sum"`
	Consistent      bool  `json:"consistent"`
}

// VerifyLedger сверяет сумму записей журнала с текущим балансом клиента.
func (s *Service) VerifyLedger(ctx context.Context, clientID int64) (*LedgerReport, error) {
	balance, err := s.repo.GetBalance(ctx, clientID)
	if err != nil {
		return nil, err
	}

	sum, err := s.repo.SumTransactions(ctx, clientID)
	if err != nil {
		return nil, err
	}

	report := &LedgerReport{
		ClientID:        clientID,
		Balance:         balance,
		TransactionsSum: sum,
		Consistent:      balance == sum,
	}

	if !report.Consistent {
		s.logger.Error("ledger inconsistency detected",
			zap.Int64("clientID", clientID),
			zap.Int64("balance", balance),
			zap.Int64("transactionsSum", sum),
		)
	}

	return report, nil
}
