package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SigNoz/nexus-checkout/internal/db"
	"github.com/SigNoz/nexus-checkout/internal/gateway"
	"github.com/SigNoz/nexus-checkout/internal/metrics"
	"github.com/SigNoz/nexus-checkout/internal/models"
	"github.com/SigNoz/nexus-checkout/internal/tasks"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	paymentColumns = "id, order_id, tx_ref, amount, currency, status, created_at, updated_at, paid_at"

	lockOwnedOrderQuery     = "SELECT id, user_id, total FROM orders WHERE id = ? AND user_id = ? FOR UPDATE"
	lockOrderQuery          = "SELECT id, user_id FROM orders WHERE id = ? FOR UPDATE"
	lockOrderPaymentQuery   = "SELECT " + paymentColumns + " FROM payments WHERE order_id = ? FOR UPDATE"
	lockPaymentQuery        = "SELECT " + paymentColumns + " FROM payments WHERE tx_ref = ? FOR UPDATE"
	paymentOrderQuery       = "SELECT order_id FROM payments WHERE tx_ref = ?"
	orderOwnerQuery         = "SELECT user_id FROM orders WHERE id = ?"
	insertPaymentQuery      = "INSERT INTO payments (id, order_id, tx_ref, amount, currency, status) VALUES (?, ?, ?, ?, ?, ?)"
	rearmPaymentQuery       = "UPDATE payments SET tx_ref = ?, amount = ?, currency = ?, status = ?, paid_at = NULL, updated_at = NOW() WHERE id = ?"
	setPaymentStatusQuery   = "UPDATE payments SET status = ?, paid_at = ?, updated_at = NOW() WHERE id = ?"
	setOrderPaymentQuery    = "UPDATE orders SET payment_status = ?, updated_at = NOW() WHERE id = ?"
	listUserPaymentsQuery   = "SELECT p.id, p.order_id, p.tx_ref, p.amount, p.currency, p.status, p.created_at, p.updated_at, p.paid_at FROM payments p INNER JOIN orders o ON o.id = p.order_id WHERE o.user_id = ? ORDER BY p.created_at DESC"
	selectUserPaymentQuery  = "SELECT p.id, p.order_id, p.tx_ref, p.amount, p.currency, p.status, p.created_at, p.updated_at, p.paid_at FROM payments p INNER JOIN orders o ON o.id = p.order_id WHERE p.id = ? AND o.user_id = ?"
	selectPaymentByRefQuery = "SELECT " + paymentColumns + " FROM payments WHERE tx_ref = ?"
)

// PaymentConfig holds the gateway facing settings of the payment service
type PaymentConfig struct {
	Currency    string
	CallbackURL string
	ReturnURL   string
}

// InitiateInput identifies the order to pay and where to send the customer afterwards
type InitiateInput struct {
	OrderID   int64
	ReturnURL string
}

// WebhookResult is the outcome of an authenticated webhook delivery
type WebhookResult struct {
	TxRef   string
	Status  models.PaymentStatus
	Changed bool
}

// PaymentService starts gateway payments and settles them from gateway callbacks.
// A payment only moves pending -> completed or pending -> failed; repeating a
// transition changes nothing and triggers nothing.
type PaymentService struct {
	db      *db.DB
	gateway gateway.Client
	signer  *gateway.Signer
	queue   tasks.Queue
	users   *UserService
	cfg     PaymentConfig
	metrics *metrics.AppMetrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	db *db.DB,
	client gateway.Client,
	signer *gateway.Signer,
	queue tasks.Queue,
	users *UserService,
	cfg PaymentConfig,
	metrics *metrics.AppMetrics,
	logger *zap.Logger,
) *PaymentService {
	return &PaymentService{
		db:      db,
		gateway: client,
		signer:  signer,
		queue:   queue,
		users:   users,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		tracer:  otel.Tracer("github.com/SigNoz/nexus-checkout/internal/services"),
	}
}

// Initiate opens a gateway transaction for one of the caller's orders. The
// payment row is committed as pending before the gateway is called, so no
// lock is held across the network call.
func (s *PaymentService) Initiate(ctx context.Context, principal models.Principal, in InitiateInput) (*models.InitiatePaymentResponse, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.Initiate",
		trace.WithAttributes(attribute.Int64("order.id", in.OrderID)))
	defer span.End()

	if in.OrderID <= 0 {
		return nil, newValidationError("order_id", "order_id is required")
	}

	payment, err := s.preparePayment(ctx, principal, in.OrderID)
	if err != nil {
		s.countInitiation(ctx, "rejected")
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.tx_ref", payment.TxRef))

	returnURL := strings.TrimSpace(in.ReturnURL)
	if returnURL == "" {
		returnURL = s.cfg.ReturnURL
	}

	resp, err := s.gateway.Initialize(ctx, gateway.InitializeRequest{
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Email:       principal.Email,
		FirstName:   principal.FirstName,
		LastName:    principal.LastName,
		TxRef:       payment.TxRef,
		CallbackURL: s.cfg.CallbackURL,
		ReturnURL:   returnURL,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		// the outcome is unknown; the webhook or a verify call settles it
		if gateway.IsTimeout(err) {
			s.countInitiation(ctx, "timeout")
			s.logger.Warn("gateway initialize timed out",
				zap.String("payment_id", payment.ID),
				zap.String("tx_ref", payment.TxRef),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%w: %w", ErrGatewayTimeout, err)
		}

		s.countInitiation(ctx, "gateway_error")
		if _, _, markErr := s.MarkFailed(ctx, payment.TxRef); markErr != nil {
			s.logger.Error("failed to mark payment failed after gateway error",
				zap.String("payment_id", payment.ID),
				zap.Error(markErr),
			)
		}
		return nil, &ExternalGatewayError{Op: GatewayOpInitialize, PaymentID: payment.ID, Err: err}
	}

	s.countInitiation(ctx, "initiated")
	s.logger.Info("payment initiated",
		zap.String("payment_id", payment.ID),
		zap.String("tx_ref", payment.TxRef),
		zap.Int64("order_id", payment.OrderID),
		zap.String("amount", payment.Amount.StringFixed(2)),
	)

	return &models.InitiatePaymentResponse{
		PaymentURL: resp.CheckoutURL,
		PaymentID:  payment.ID,
		TxRef:      payment.TxRef,
	}, nil
}

// preparePayment creates the order's payment, or re-arms a failed one with a
// fresh reference. The order row lock serializes concurrent initiations.
func (s *PaymentService) preparePayment(ctx context.Context, principal models.Principal, orderID int64) (*models.Payment, error) {
	var payment *models.Payment
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			id, userID int64
			total      decimal.Decimal
		)
		start := time.Now()
		err := tx.QueryRowContext(ctx, lockOwnedOrderQuery, orderID, principal.UserID).Scan(&id, &userID, &total)
		s.metrics.RecordDBQuery(ctx, "SELECT", "orders", lockOwnedOrderQuery, start, err == nil || errors.Is(err, sql.ErrNoRows))
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{Entity: "order", ID: orderID}
		}
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}

		start = time.Now()
		existing, err := scanPayment(tx.QueryRowContext(ctx, lockOrderPaymentQuery, orderID))
		s.metrics.RecordDBQuery(ctx, "SELECT", "payments", lockOrderPaymentQuery, start, err == nil || errors.Is(err, sql.ErrNoRows))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to get payment: %w", err)
		}

		now := time.Now()
		switch {
		case existing == nil:
			payment = &models.Payment{
				ID:        uuid.NewString(),
				OrderID:   orderID,
				TxRef:     uuid.NewString(),
				Amount:    total,
				Currency:  s.cfg.Currency,
				Status:    models.PaymentStatusPending,
				CreatedAt: now,
				UpdatedAt: now,
			}
			start = time.Now()
			_, err = tx.ExecContext(ctx, insertPaymentQuery,
				payment.ID, payment.OrderID, payment.TxRef, payment.Amount, payment.Currency, payment.Status)
			s.metrics.RecordDBQuery(ctx, "INSERT", "payments", insertPaymentQuery, start, err == nil)
			if err != nil {
				return fmt.Errorf("failed to create payment: %w", err)
			}
			return nil

		case existing.Status == models.PaymentStatusCompleted:
			return ErrAlreadyPaid

		case existing.Status == models.PaymentStatusPending:
			return &AlreadyInitiatedError{PaymentID: existing.ID, TxRef: existing.TxRef}
		}

		// failed: retry on the same row so the order keeps a single payment
		payment = existing
		payment.TxRef = uuid.NewString()
		payment.Amount = total
		payment.Currency = s.cfg.Currency
		payment.Status = models.PaymentStatusPending
		payment.PaidAt = nil
		payment.UpdatedAt = now

		start = time.Now()
		_, err = tx.ExecContext(ctx, rearmPaymentQuery,
			payment.TxRef, payment.Amount, payment.Currency, payment.Status, payment.ID)
		s.metrics.RecordDBQuery(ctx, "UPDATE", "payments", rearmPaymentQuery, start, err == nil)
		if err != nil {
			return fmt.Errorf("failed to re-arm payment: %w", err)
		}

		start = time.Now()
		_, err = tx.ExecContext(ctx, setOrderPaymentQuery, models.OrderPaymentPending, orderID)
		s.metrics.RecordDBQuery(ctx, "UPDATE", "orders", setOrderPaymentQuery, start, err == nil)
		if err != nil {
			return fmt.Errorf("failed to reset order payment status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// HandleWebhook authenticates, parses and applies a gateway callback. Nothing
// in body is looked at before the signature checks out.
func (s *PaymentService) HandleWebhook(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.HandleWebhook")
	defer span.End()

	result, outcome, err := s.handleWebhook(ctx, body, signature)
	s.metrics.Count(ctx, s.metrics.WebhooksReceived, attribute.String("outcome", outcome))
	metrics.RecordWebhookOutcome(outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("webhook rejected", zap.String("outcome", outcome), zap.Error(err))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("payment.tx_ref", result.TxRef),
		attribute.Bool("payment.changed", result.Changed),
	)
	return result, nil
}

func (s *PaymentService) handleWebhook(ctx context.Context, body []byte, signature string) (*WebhookResult, string, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, "missing_signature", ErrMissingSignature
	}
	if !s.signer.Verify(body, signature) {
		return nil, "invalid_signature", ErrInvalidSignature
	}

	var payload models.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, "malformed", fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(payload.TxRef) == "" {
		return nil, "malformed", newValidationError("tx_ref", "tx_ref missing")
	}

	switch payload.Status {
	case models.GatewayStatusSuccess:
		changed, payment, err := s.MarkCompleted(ctx, payload.TxRef)
		if err != nil {
			return nil, outcomeFor(err), err
		}
		if changed {
			s.enqueueConfirmation(ctx, payload.Email, payment)
		}
		return &WebhookResult{TxRef: payment.TxRef, Status: payment.Status, Changed: changed}, outcomeOf(changed), nil

	case models.GatewayStatusFailed:
		changed, payment, err := s.MarkFailed(ctx, payload.TxRef)
		if err != nil {
			return nil, outcomeFor(err), err
		}
		return &WebhookResult{TxRef: payment.TxRef, Status: payment.Status, Changed: changed}, outcomeOf(changed), nil
	}

	// still acknowledged so the gateway does not keep retrying
	payment, err := s.paymentByRef(ctx, payload.TxRef)
	if err != nil {
		return nil, outcomeFor(err), err
	}
	s.logger.Info("ignoring webhook with unhandled status",
		zap.String("tx_ref", payload.TxRef),
		zap.String("gateway_status", payload.Status),
	)
	return &WebhookResult{TxRef: payment.TxRef, Status: payment.Status}, "ignored", nil
}

func outcomeOf(changed bool) string {
	if changed {
		return "processed"
	}
	return "duplicate"
}

func outcomeFor(err error) string {
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return "unknown_tx_ref"
	}
	return "error"
}

// MarkCompleted settles the payment with txRef as paid. changed is false when
// the payment was already completed or had failed before.
func (s *PaymentService) MarkCompleted(ctx context.Context, txRef string) (bool, *models.Payment, error) {
	return s.transition(ctx, txRef, models.PaymentStatusCompleted, models.OrderPaymentPaid)
}

// MarkFailed settles the payment with txRef as failed. changed is false when
// the payment was already failed or had completed before.
func (s *PaymentService) MarkFailed(ctx context.Context, txRef string) (bool, *models.Payment, error) {
	return s.transition(ctx, txRef, models.PaymentStatusFailed, models.OrderPaymentFailed)
}

// transition moves a pending payment and its order's payment status together.
// Locks are taken order first, then payment, like preparePayment.
func (s *PaymentService) transition(ctx context.Context, txRef string, to models.PaymentStatus, orderStatus models.OrderPaymentStatus) (bool, *models.Payment, error) {
	start := time.Now()
	var orderID int64
	err := s.db.QueryRowContext(ctx, paymentOrderQuery, txRef).Scan(&orderID)
	s.metrics.RecordDBQuery(ctx, "SELECT", "payments", paymentOrderQuery, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, &NotFoundError{Entity: "payment", ID: txRef}
	}
	if err != nil {
		return false, nil, fmt.Errorf("failed to get payment: %w", err)
	}

	var (
		payment *models.Payment
		changed bool
	)
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var id, userID int64
		start := time.Now()
		err := tx.QueryRowContext(ctx, lockOrderQuery, orderID).Scan(&id, &userID)
		s.metrics.RecordDBQuery(ctx, "SELECT", "orders", lockOrderQuery, start, err == nil)
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}

		start = time.Now()
		payment, err = scanPayment(tx.QueryRowContext(ctx, lockPaymentQuery, txRef))
		s.metrics.RecordDBQuery(ctx, "SELECT", "payments", lockPaymentQuery, start, err == nil || errors.Is(err, sql.ErrNoRows))
		if errors.Is(err, sql.ErrNoRows) {
			// re-armed with a new reference in the meantime
			return &NotFoundError{Entity: "payment", ID: txRef}
		}
		if err != nil {
			return fmt.Errorf("failed to lock payment: %w", err)
		}

		if payment.Status == to {
			return nil
		}
		if payment.Status.Terminal() {
			s.logger.Warn("refusing to leave terminal payment state",
				zap.String("tx_ref", txRef),
				zap.String("status", string(payment.Status)),
				zap.String("requested", string(to)),
			)
			return nil
		}

		var paidAt *time.Time
		if to == models.PaymentStatusCompleted {
			now := time.Now().UTC()
			paidAt = &now
		}

		start = time.Now()
		_, err = tx.ExecContext(ctx, setPaymentStatusQuery, to, paidAt, payment.ID)
		s.metrics.RecordDBQuery(ctx, "UPDATE", "payments", setPaymentStatusQuery, start, err == nil)
		if err != nil {
			return fmt.Errorf("failed to update payment status: %w", err)
		}

		start = time.Now()
		_, err = tx.ExecContext(ctx, setOrderPaymentQuery, orderStatus, payment.OrderID)
		s.metrics.RecordDBQuery(ctx, "UPDATE", "orders", setOrderPaymentQuery, start, err == nil)
		if err != nil {
			return fmt.Errorf("failed to update order payment status: %w", err)
		}

		payment.Status = to
		payment.PaidAt = paidAt
		changed = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}

	s.metrics.Count(ctx, s.metrics.PaymentTransitions,
		attribute.String("status", string(to)),
		attribute.Bool("changed", changed),
	)
	if changed {
		s.logger.Info("payment settled",
			zap.String("tx_ref", txRef),
			zap.String("payment_id", payment.ID),
			zap.Int64("order_id", payment.OrderID),
			zap.String("status", string(to)),
		)
	}
	return changed, payment, nil
}

// enqueueConfirmation schedules the confirmation email. Failures are logged only.
func (s *PaymentService) enqueueConfirmation(ctx context.Context, email string, payment *models.Payment) {
	if email == "" && s.users != nil {
		if owner, err := s.orderOwner(ctx, payment.OrderID); err == nil {
			email = owner.Email
		} else {
			s.logger.Warn("failed to look up payer email", zap.String("tx_ref", payment.TxRef), zap.Error(err))
		}
	}
	if email == "" {
		s.logger.Warn("no recipient for payment confirmation", zap.String("tx_ref", payment.TxRef))
		return
	}

	result := "enqueued"
	defer func() {
		s.metrics.Count(ctx, s.metrics.TasksEnqueued,
			attribute.String("task", tasks.SendPaymentConfirmationEmail),
			attribute.String("result", result),
		)
	}()

	task, err := tasks.NewTask(tasks.SendPaymentConfirmationEmail, models.PaymentConfirmation{
		Email:    email,
		Amount:   payment.Amount,
		Currency: payment.Currency,
		TxRef:    payment.TxRef,
	})
	if err == nil {
		err = s.queue.Enqueue(ctx, task)
	}
	if err != nil {
		result = "error"
		s.logger.Error("failed to enqueue payment confirmation",
			zap.String("tx_ref", payment.TxRef),
			zap.Error(err),
		)
	}
}

func (s *PaymentService) orderOwner(ctx context.Context, orderID int64) (*models.User, error) {
	var userID int64
	start := time.Now()
	err := s.db.QueryRowContext(ctx, orderOwnerQuery, orderID).Scan(&userID)
	s.metrics.RecordDBQuery(ctx, "SELECT", "orders", orderOwnerQuery, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get order owner: %w", err)
	}
	return s.users.GetUser(ctx, userID)
}

// Verify asks the gateway for the state of one of the caller's pending payments
// and applies it the same way a webhook would.
func (s *PaymentService) Verify(ctx context.Context, principal models.Principal, paymentID string) (*models.Payment, error) {
	payment, err := s.GetPayment(ctx, principal, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPending {
		return payment, nil
	}

	resp, err := s.gateway.Verify(ctx, payment.TxRef)
	if err != nil {
		if gateway.IsTimeout(err) {
			return nil, fmt.Errorf("%w: %w", ErrGatewayTimeout, err)
		}
		// the gateway never registered this reference, usually because the
		// initialize call timed out before reaching it. Failing the payment lets
		// the next initiation re-arm it with a fresh reference.
		if gateway.IsUnknownTransaction(err) {
			_, updated, markErr := s.MarkFailed(ctx, payment.TxRef)
			if markErr != nil {
				return nil, markErr
			}
			s.logger.Info("gateway does not know pending payment, marked failed",
				zap.String("payment_id", payment.ID),
				zap.String("tx_ref", payment.TxRef),
				zap.Error(err),
			)
			return updated, nil
		}
		return nil, &ExternalGatewayError{Op: GatewayOpVerify, PaymentID: payment.ID, Err: err}
	}

	switch resp.Status {
	case models.GatewayStatusSuccess:
		changed, updated, err := s.MarkCompleted(ctx, payment.TxRef)
		if err != nil {
			return nil, err
		}
		if changed {
			s.enqueueConfirmation(ctx, principal.Email, updated)
		}
		return updated, nil
	case models.GatewayStatusFailed:
		_, updated, err := s.MarkFailed(ctx, payment.TxRef)
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return payment, nil
}

// ListPayments returns the payments of the caller's own orders. Staff are not
// widened here.
func (s *PaymentService) ListPayments(ctx context.Context, principal models.Principal) ([]models.Payment, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, listUserPaymentsQuery, principal.UserID)
	s.metrics.RecordDBQuery(ctx, "SELECT", "payments", listUserPaymentsQuery, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	payments := []models.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// GetPayment returns one payment of the caller's own orders
func (s *PaymentService) GetPayment(ctx context.Context, principal models.Principal, paymentID string) (*models.Payment, error) {
	if _, err := uuid.Parse(paymentID); err != nil {
		return nil, &NotFoundError{Entity: "payment", ID: paymentID}
	}

	start := time.Now()
	p, err := scanPayment(s.db.QueryRowContext(ctx, selectUserPaymentQuery, paymentID, principal.UserID))
	s.metrics.RecordDBQuery(ctx, "SELECT", "payments", selectUserPaymentQuery, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "payment", ID: paymentID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func (s *PaymentService) paymentByRef(ctx context.Context, txRef string) (*models.Payment, error) {
	start := time.Now()
	p, err := scanPayment(s.db.QueryRowContext(ctx, selectPaymentByRefQuery, txRef))
	s.metrics.RecordDBQuery(ctx, "SELECT", "payments", selectPaymentByRefQuery, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "payment", ID: txRef}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func (s *PaymentService) countInitiation(ctx context.Context, outcome string) {
	s.metrics.Count(ctx, s.metrics.PaymentsInitiated, attribute.String("outcome", outcome))
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		p      models.Payment
		paidAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.TxRef, &p.Amount, &p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt, &paidAt)
	if err != nil {
		return nil, err
	}
	if paidAt.Valid {
		p.PaidAt = &paidAt.Time
	}
	return &p, nil
}
