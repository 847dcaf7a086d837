// Package model содержит доменные сущности портала маркетинговых услуг.
package model

import "time"

// Client представляет клиента портала с предоплаченным балансом баллов.
type Client struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Points       int64
	Active       bool
	CreatedAt    time.Time
}

// ProductType описывает тип маркетинговой услуги.
type ProductType string

const (
	ProductReward     ProductType = "reward"
	ProductReceipt    ProductType = "receipt_review"
	ProductKakaomap   ProductType = "kakaomap_review"
	ProductBlog       ProductType = "blog_distribution"
	ProductCafe       ProductType = "cafe_marketing"
	ProductExperience ProductType = "experience"
)

// ProductTypes перечисляет все поддерживаемые типы услуг.
var ProductTypes = []ProductType{
	ProductReward,
	ProductReceipt,
	ProductKakaomap,
	ProductBlog,
	ProductCafe,
	ProductExperience,
}

// IsValidProductType сообщает, входит ли тип услуги в закрытое множество.
func IsValidProductType(p ProductType) bool {
	for _, t := range ProductTypes {
		if t == p {
			return true
		}
	}
	return false
}

// OrderStatus описывает статус заказа в жизненном цикле выполнения.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusWaitingContent OrderStatus = "waiting_content"
	OrderStatusReview         OrderStatus = "review"
	OrderStatusInProgress     OrderStatus = "in_progress"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusCancelRequest  OrderStatus = "cancellation_requested"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

// transitions задаёт допустимые переходы статусов заказа.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:        {OrderStatusWaitingContent, OrderStatusCancelRequest, OrderStatusCancelled},
	OrderStatusWaitingContent: {OrderStatusReview, OrderStatusCancelRequest, OrderStatusCancelled},
	OrderStatusReview:         {OrderStatusInProgress},
	OrderStatusInProgress:     {OrderStatusCompleted, OrderStatusCancelRequest, OrderStatusCancelled},
	OrderStatusCancelRequest:  {OrderStatusCancelled, OrderStatusPending, OrderStatusWaitingContent, OrderStatusInProgress},
}

// CanTransition сообщает, допустим ли переход заказа из статуса from в статус to.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal сообщает, является ли статус терминальным.
func IsTerminal(s OrderStatus) bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// CanRequestCancellation сообщает, можно ли запросить отмену заказа в данном статусе.
func CanRequestCancellation(s OrderStatus) bool {
	switch s {
	case OrderStatusPending, OrderStatusWaitingContent, OrderStatusInProgress:
		return true
	}
	return false
}

// Order описывает приобретённую единицу маркетинговой работы одного из типов услуг.
type Order struct {
	ID            int64
	ClientID      int64
	ProductType   ProductType
	Number        string
	Status        OrderStatus
	DailyQuantity int
	Days          int
	TotalQuantity int
	TotalCost     int64
	StartDate     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TransactionType описывает направление движения баллов.
type TransactionType string

const (
	TransactionDebit  TransactionType = "debit"
	TransactionRefund TransactionType = "refund"
	TransactionTopUp  TransactionType = "topup"
)

// Transaction описывает одну запись неизменяемого журнала движения баллов.
// Amount хранится со знаком: списания отрицательны, пополнения и возвраты положительны.
type Transaction struct {
	ID            int64
	ClientID      int64
	Type          TransactionType
	Amount        int64
	BalanceAfter  int64
	ReferenceType ProductType
	ReferenceID   int64
	Description   string
	CreatedAt     time.Time
}

// CancellationStatus описывает состояние заявки на отмену заказа.
type CancellationStatus string

const (
	CancellationPending  CancellationStatus = "pending"
	CancellationApproved CancellationStatus = "approved"
	CancellationRejected CancellationStatus = "rejected"
)

// CancellationRequest описывает заявку клиента на досрочную отмену заказа.
// PreviousStatus хранит статус заказа до заявки для восстановления при отклонении.
type CancellationRequest struct {
	ID               int64
	ClientID         int64
	ProductType      ProductType
	OrderID          int64
	Reason           string
	Status           CancellationStatus
	PreviousStatus   OrderStatus
	ProgressRatio    float64
	CalculatedRefund int64
	FinalRefund      *int64
	CreatedAt        time.Time
	DecidedAt        *time.Time
}

// ContentItem описывает одну единицу размещённого контента, привязанную к заказу.
type ContentItem struct {
	ID           int64
	ProductType  ProductType
	OrderID      int64
	ExternalID   string
	Approved     bool
	RegisteredAt time.Time
}

// DailyRecord описывает фактический объём выполнения заказа за один день.
type DailyRecord struct {
	ID          int64
	ProductType ProductType
	OrderID     int64
	RecordDate  time.Time
	ActualCount int
}
