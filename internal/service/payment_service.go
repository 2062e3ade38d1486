package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"circulation-service/internal/errs"
	"circulation-service/internal/gateway"
	"circulation-service/internal/models"
	"circulation-service/internal/store"
	"circulation-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// IdempotencyCache remembers completed gateway orders across replicas
type IdempotencyCache interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

const confirmationTTL = 24 * time.Hour

// PaymentService turns confirmed payments into entitlements
type PaymentService struct {
	store   store.Store
	ledger  *SubscriptionLedger
	gateway gateway.Gateway
	cache   IdempotencyCache
	effects
}

// NewPaymentService creates a payment service. cache may be nil.
func NewPaymentService(
	st store.Store,
	ledger *SubscriptionLedger,
	gw gateway.Gateway,
	cache IdempotencyCache,
	notifier Notifier,
	auditor Auditor,
) *PaymentService {
	return &PaymentService{
		store:   st,
		ledger:  ledger,
		gateway: gw,
		cache:   cache,
		effects: newEffects(notifier, auditor),
	}
}

// CashPayment is a payment taken at the desk by an admin
type CashPayment struct {
	MemberID int64           `json:"member_id" binding:"required"`
	Amount   decimal.Decimal `json:"amount"`
	Type     string          `json:"type" binding:"required"`
	LoanID   *int64          `json:"loan_id"`
	Notes    *string         `json:"notes"`
	AdminID  int64           `json:"-"`
}

// GatewayOrderRequest asks for a provider order
type GatewayOrderRequest struct {
	MemberID int64           `json:"-"`
	Amount   decimal.Decimal `json:"amount"`
	Type     string          `json:"type" binding:"required"`
	LoanID   *int64          `json:"loan_id"`
}

// GatewayOrder is a pending payment plus the provider order to pay it with
type GatewayOrder struct {
	Payment *models.Payment `json:"payment"`
	Order   *gateway.Order  `json:"order"`
	KeyID   string          `json:"key_id,omitempty"`
}

// Confirmation is the outcome of confirming a payment
type Confirmation struct {
	Payment      *models.Payment      `json:"payment"`
	Subscription *models.Subscription `json:"subscription,omitempty"`
	SettledLoan  *models.Loan         `json:"settled_loan,omitempty"`
	Duplicate    bool                 `json:"duplicate"`
}

func validatePayment(amount decimal.Decimal, paymentType string, loanID *int64) error {
	if !amount.IsPositive() {
		return errs.Invalid("amount must be positive")
	}
	switch paymentType {
	case models.PaymentTypeSubscription:
		if loanID != nil {
			return errs.Invalid("subscription payments cannot reference a loan")
		}
	case models.PaymentTypePenalty:
	default:
		return errs.Invalid(fmt.Sprintf("unknown payment type %q", paymentType))
	}
	return nil
}

// ConfirmCashPayment records a COMPLETED cash payment and applies its
// entitlement in the same transaction
func (s *PaymentService) ConfirmCashPayment(ctx context.Context, in CashPayment, now time.Time) (*Confirmation, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ConfirmCashPayment",
		attribute.Int64("member_id", in.MemberID),
		attribute.String("type", in.Type))
	defer span.End()

	if in.MemberID <= 0 || in.AdminID <= 0 {
		return nil, errs.Invalid("member and admin are required")
	}
	if err := validatePayment(in.Amount, in.Type, in.LoanID); err != nil {
		return nil, err
	}

	conf := &Confirmation{}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockMember(ctx, in.MemberID); err != nil {
			return err
		}

		payment := &models.Payment{
			MemberID:    in.MemberID,
			Amount:      in.Amount,
			Type:        in.Type,
			Method:      models.PaymentMethodCash,
			LoanID:      in.LoanID,
			ProcessedBy: &in.AdminID,
			Notes:       in.Notes,
			Status:      models.PaymentStatusCompleted,
			CompletedAt: &now,
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		conf.Payment = payment

		return s.applyEntitlement(ctx, tx, payment, now, conf)
	})
	if err != nil {
		observeFailure("cash_payment", err)
		util.RecordError(span, err)
		return nil, err
	}

	s.completed(ctx, conf, &in.AdminID, models.AuditCashPaymentAccepted)
	return conf, nil
}

// CreateGatewayOrder opens a provider order and records a PENDING payment for it
func (s *PaymentService) CreateGatewayOrder(ctx context.Context, in GatewayOrderRequest, now time.Time) (*GatewayOrder, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreateGatewayOrder",
		attribute.Int64("member_id", in.MemberID))
	defer span.End()

	if in.MemberID <= 0 {
		return nil, errs.Invalid("member is required")
	}
	if err := validatePayment(in.Amount, in.Type, in.LoanID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetMember(ctx, in.MemberID); err != nil {
		return nil, err
	}
	if in.LoanID != nil {
		loan, err := s.store.GetLoan(ctx, *in.LoanID)
		if err != nil {
			return nil, err
		}
		if loan.MemberID != in.MemberID {
			return nil, errs.ErrLoanNotFound
		}
	}

	receipt := fmt.Sprintf("%s_%d_%d", in.Type, in.MemberID, now.UnixMilli())
	order, err := s.gateway.CreateOrder(ctx, in.Amount, receipt)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to create gateway order: %w", err)
	}

	payment := &models.Payment{
		MemberID:       in.MemberID,
		Amount:         in.Amount,
		Type:           in.Type,
		Method:         models.PaymentMethodGateway,
		GatewayOrderID: &order.ID,
		LoanID:         in.LoanID,
		Status:         models.PaymentStatusPending,
	}
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertPayment(ctx, payment)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to record pending payment: %w", err)
	}

	s.logger.Info("Gateway order created",
		zap.Int64("payment_id", payment.ID),
		zap.String("order_id", order.ID),
		zap.Int64("member_id", in.MemberID))
	result := &GatewayOrder{Payment: payment, Order: order}
	if k, ok := s.gateway.(interface{ KeyID() string }); ok {
		result.KeyID = k.KeyID()
	}
	return result, nil
}

// ConfirmGatewayPayment completes the payment behind a gateway order exactly
// once. Replays of the same confirmation succeed without side effects.
func (s *PaymentService) ConfirmGatewayPayment(ctx context.Context, orderID, providerPaymentID, signature string, now time.Time) (*Confirmation, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ConfirmGatewayPayment",
		attribute.String("order_id", orderID))
	defer span.End()

	if orderID == "" || providerPaymentID == "" || signature == "" {
		return nil, errs.Invalid("order id, payment id and signature are required")
	}
	if !s.gateway.VerifySignature(orderID, providerPaymentID, signature) {
		util.InvalidSignaturesTotal.Inc()
		s.logger.Warn("Gateway signature mismatch", zap.String("order_id", orderID))
		return nil, errs.ErrInvalidSignature
	}

	if dup, ok := s.knownConfirmation(ctx, orderID); ok {
		return dup, nil
	}

	conf := &Confirmation{}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		payment, err := tx.LockPaymentByOrderID(ctx, orderID)
		if err != nil {
			return err
		}
		conf.Payment = payment

		switch payment.Status {
		case models.PaymentStatusCompleted:
			conf.Duplicate = true
			return nil
		case models.PaymentStatusPending:
		default:
			return errs.Invalid(fmt.Sprintf("payment %d is %s", payment.ID, payment.Status))
		}

		payment.Status = models.PaymentStatusCompleted
		payment.GatewayPaymentID = &providerPaymentID
		payment.GatewaySignature = &signature
		payment.CompletedAt = &now
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}

		return s.applyEntitlement(ctx, tx, payment, now, conf)
	})
	if err != nil {
		observeFailure("gateway_payment", err)
		util.RecordError(span, err)
		return nil, err
	}

	s.rememberConfirmation(orderID)
	if conf.Duplicate {
		util.DuplicateConfirmationsTotal.Inc()
		s.logger.Info("Duplicate gateway confirmation ignored",
			zap.String("order_id", orderID),
			zap.Int64("payment_id", conf.Payment.ID))
		return conf, nil
	}

	s.completed(ctx, conf, &conf.Payment.MemberID, models.AuditPaymentCompleted)
	return conf, nil
}

// applyEntitlement stacks a subscription or settles a penalty for payment
func (s *PaymentService) applyEntitlement(ctx context.Context, tx store.Tx, payment *models.Payment, now time.Time, conf *Confirmation) error {
	switch payment.Type {
	case models.PaymentTypeSubscription:
		sub, err := s.ledger.Stack(ctx, tx, payment.MemberID, payment.Amount, &payment.ID, now)
		if err != nil {
			return fmt.Errorf("failed to stack subscription: %w", err)
		}
		conf.Subscription = sub

	case models.PaymentTypePenalty:
		if payment.LoanID == nil {
			return nil
		}
		loan, err := tx.LockLoan(ctx, *payment.LoanID)
		if err != nil {
			return err
		}
		if loan.MemberID != payment.MemberID {
			return errs.ErrLoanNotFound
		}
		if loan.PenaltySettledAt == nil {
			loan.PenaltySettledAt = &now
			if err := tx.UpdateLoan(ctx, loan); err != nil {
				return err
			}
		}
		conf.SettledLoan = loan
	}
	return nil
}

func confirmationKey(orderID string) string {
	return "payment-confirmed:" + orderID
}

// knownConfirmation short-circuits replays recorded in the cache
func (s *PaymentService) knownConfirmation(ctx context.Context, orderID string) (*Confirmation, bool) {
	if s.cache == nil {
		return nil, false
	}
	seen, err := s.cache.CheckIdempotencyKey(ctx, confirmationKey(orderID))
	if err != nil {
		s.logger.Warn("Idempotency cache unavailable", zap.Error(err))
		return nil, false
	}
	if !seen {
		return nil, false
	}

	payment, err := s.store.GetPaymentByOrderID(ctx, orderID)
	if err != nil || payment.Status != models.PaymentStatusCompleted {
		return nil, false
	}
	util.DuplicateConfirmationsTotal.Inc()
	return &Confirmation{Payment: payment, Duplicate: true}, true
}

func (s *PaymentService) rememberConfirmation(orderID string) {
	if s.cache == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.cache.SetIdempotencyKey(ctx, confirmationKey(orderID), "1", confirmationTTL); err != nil {
			s.logger.Warn("Failed to cache payment confirmation",
				zap.String("order_id", orderID),
				zap.Error(err))
		}
	}()
}

func (s *PaymentService) completed(ctx context.Context, conf *Confirmation, performedBy *int64, action string) {
	p := conf.Payment
	util.PaymentsConfirmedTotal.WithLabelValues(p.Method, p.Type).Inc()
	s.logger.Info("Payment completed",
		zap.Int64("payment_id", p.ID),
		zap.Int64("member_id", p.MemberID),
		zap.String("method", p.Method),
		zap.String("type", p.Type),
		zap.String("amount", p.Amount.StringFixed(2)))

	detail := map[string]interface{}{"amount": p.Amount.StringFixed(2), "type": p.Type, "method": p.Method}
	s.audit(ctx, action, models.EntityPayment, &p.ID, performedBy, detail)
	if conf.Subscription != nil {
		s.audit(ctx, models.AuditSubscriptionStacked, models.EntitySubscription, &conf.Subscription.ID, &p.MemberID,
			map[string]interface{}{"payment_id": p.ID, "stacked_from": conf.Subscription.StackedFrom})
	}

	s.notify(models.TopicPaymentCompleted, models.PaymentCompletedEvent{
		PaymentID: p.ID,
		MemberID:  p.MemberID,
		Type:      p.Type,
		Method:    p.Method,
		Amount:    p.Amount,
	})
}

// ListPayments lists one member's payments, or all payments for admins
func (s *PaymentService) ListPayments(ctx context.Context, memberID *int64, status string) ([]models.Payment, error) {
	if status != "" && !isPaymentStatus(status) {
		return nil, errs.Invalid(fmt.Sprintf("unknown payment status %q", status))
	}
	return s.store.ListPayments(ctx, store.PaymentFilter{MemberID: memberID, Status: status, Limit: 200})
}

func isPaymentStatus(status string) bool {
	switch status {
	case models.PaymentStatusPending, models.PaymentStatusCompleted, models.PaymentStatusFailed, models.PaymentStatusRefunded:
		return true
	}
	return false
}

// IsRejected reports whether err means the confirmation can never succeed
func IsRejected(err error) bool {
	return errors.Is(err, errs.ErrInvalidSignature) ||
		errors.Is(err, errs.ErrPaymentNotFound) ||
		errors.Is(err, errs.ErrValidation)
}
