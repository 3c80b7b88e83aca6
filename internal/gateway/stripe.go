package gateway

import (
	"context"
	"errors"
	"log/slog"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/payout"
)

// Stripe implements Gateway on Stripe Checkout for deposits and Stripe
// payouts for withdrawals. Deposit orders become Checkout Sessions; the
// session URL is the approve link.
type Stripe struct {
	successURL string
	cancelURL  string
	logger     *slog.Logger
}

// StripeConfig configures the Stripe adapter. The API key is installed
// process-wide, matching the stripe-go package model.
type StripeConfig struct {
	APIKey     string
	SuccessURL string
	CancelURL  string
}

func NewStripe(cfg StripeConfig, logger *slog.Logger) *Stripe {
	stripe.Key = cfg.APIKey
	return &Stripe{
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		logger:     logger,
	}
}

func (s *Stripe) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	done := observeCall("stripe_create_order")

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.successURL),
		CancelURL:         stripe.String(s.cancelURL),
		ClientReferenceID: stripe.String(req.ReferenceID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.ReferenceID)

	sess, err := session.New(params)
	if err != nil {
		done("error")
		return nil, wrapStripeErr("create_order", err)
	}

	done("ok")
	s.logger.InfoContext(ctx, "stripe checkout session created",
		"session_id", sess.ID, "reference_id", req.ReferenceID, "amount", req.Amount)
	return &Order{ID: sess.ID, ApproveURL: sess.URL}, nil
}

func (s *Stripe) CaptureOrder(ctx context.Context, orderID string) (*Capture, error) {
	done := observeCall("stripe_capture_order")

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := session.Get(orderID, params)
	if err != nil {
		done("error")
		return nil, wrapStripeErr("capture_order", err)
	}

	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		done("error")
		return nil, ErrOrderNotPayable
	}

	ref := sess.ID
	if sess.PaymentIntent != nil {
		ref = sess.PaymentIntent.ID
	}

	done("ok")
	return &Capture{
		Reference: ref,
		Amount:    sess.AmountTotal,
		Currency:  string(sess.Currency),
	}, nil
}

func (s *Stripe) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutBatch, error) {
	done := observeCall("stripe_create_payout")

	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.ReferenceID)
	params.AddMetadata("reference_id", req.ReferenceID)
	params.AddMetadata("receiver", req.Receiver)

	po, err := payout.New(params)
	if err != nil {
		done("error")
		return nil, wrapStripeErr("create_payout", err)
	}

	done("ok")
	s.logger.InfoContext(ctx, "stripe payout created",
		"payout_id", po.ID, "reference_id", req.ReferenceID, "status", po.Status)
	return &PayoutBatch{BatchID: po.ID, Status: stripePayoutStatus(po.Status)}, nil
}

func (s *Stripe) GetPayoutStatus(ctx context.Context, batchID string) (PayoutStatus, error) {
	done := observeCall("stripe_payout_status")

	params := &stripe.PayoutParams{}
	params.Context = ctx
	po, err := payout.Get(batchID, params)
	if err != nil {
		done("error")
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode == 404 {
			return "", ErrPayoutNotFound
		}
		return "", wrapStripeErr("payout_status", err)
	}

	done("ok")
	return stripePayoutStatus(po.Status), nil
}

func stripePayoutStatus(st stripe.PayoutStatus) PayoutStatus {
	switch st {
	case stripe.PayoutStatusPaid:
		return PayoutSuccess
	case stripe.PayoutStatusInTransit, stripe.PayoutStatusPending:
		return PayoutProcessing
	case stripe.PayoutStatusCanceled:
		return PayoutReturned
	case stripe.PayoutStatusFailed:
		return PayoutFailed
	}
	return PayoutPending
}

func wrapStripeErr(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return &Error{
			Op:         op,
			StatusCode: se.HTTPStatusCode,
			Code:       string(se.Code),
			Message:    se.Msg,
		}
	}
	return err
}
