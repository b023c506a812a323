package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"
)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeConfig configures StripeGateway. Intents and Refunds replace the
// live clients in tests.
type StripeConfig struct {
	APIKey   string
	Currency string
	Backends *stripe.Backends
	Logger   *zap.Logger
	Intents  stripePaymentIntentAPI
	Refunds  stripeRefundAPI
}

// StripeGateway charges with confirmed PaymentIntents. Card and request
// errors are declines, and so is an intent that ended without a usable
// payment method. Anything else, including an intent still in flight, is an
// unknown outcome.
type StripeGateway struct {
	intents  stripePaymentIntentAPI
	refunds  stripeRefundAPI
	currency string
	log      *zap.Logger
}

var _ Gateway = (*StripeGateway)(nil)

func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	intents, refunds := cfg.Intents, cfg.Refunds
	if intents == nil || refunds == nil {
		key := strings.TrimSpace(cfg.APIKey)
		if key == "" {
			return nil, errors.New("stripe: api key is required")
		}
		sc := client.New(key, cfg.Backends)
		if intents == nil {
			intents = sc.PaymentIntents
		}
		if refunds == nil {
			refunds = sc.Refunds
		}
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &StripeGateway{intents: intents, refunds: refunds, currency: currency, log: log.Named("stripe")}, nil
}

func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(g.currency),
		PaymentMethod: stripe.String(req.PaymentMethod),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("order_id", req.OrderID)

	pi, err := g.intents.New(params)
	if err != nil {
		if reason, declined := stripeDecline(err); declined {
			g.log.Info("charge declined", zap.String("order_id", req.OrderID), zap.String("reason", reason))
			return ChargeResult{Success: false, Error: reason}, nil
		}
		return ChargeResult{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return ChargeResult{Success: true, TransactionID: pi.ID}, nil
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		reason := "payment intent " + string(pi.Status)
		if pi.LastPaymentError != nil {
			if r := declineReason(pi.LastPaymentError); r != "" {
				reason = r
			}
		}
		return ChargeResult{Success: false, TransactionID: pi.ID, Error: reason}, nil
	default:
		// processing, requires_action and the like may still capture
		g.log.Warn("charge not settled",
			zap.String("order_id", req.OrderID),
			zap.String("payment_intent", pi.ID),
			zap.String("status", string(pi.Status)))
		return ChargeResult{}, fmt.Errorf("stripe: payment intent %s is %s", pi.ID, pi.Status)
	}
}

func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.TransactionID),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	rf, err := g.refunds.New(params)
	if err != nil {
		if reason, declined := stripeDecline(err); declined {
			return RefundResult{Success: false, Error: reason}, nil
		}
		return RefundResult{}, fmt.Errorf("stripe: create refund: %w", err)
	}
	switch rf.Status {
	case stripe.RefundStatusSucceeded, stripe.RefundStatusPending:
		return RefundResult{Success: true}, nil
	default:
		reason := string(rf.FailureReason)
		if reason == "" {
			reason = "refund " + string(rf.Status)
		}
		return RefundResult{Success: false, Error: reason}, nil
	}
}

// errCodeIdempotencyKeyInUse means a request with the same key is still
// running at Stripe, so its outcome is not known yet.
const errCodeIdempotencyKeyInUse = stripe.ErrorCode("idempotency_key_in_use")

// stripeDecline reports whether err is a definitive refusal from Stripe.
func stripeDecline(err error) (string, bool) {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return "", false
	}
	if se.Code == errCodeIdempotencyKeyInUse {
		return "", false
	}
	switch se.Type {
	case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
		return declineReason(se), true
	}
	return "", false
}

func declineReason(se *stripe.Error) string {
	if se.DeclineCode != "" {
		return string(se.DeclineCode)
	}
	if se.Code != "" {
		return string(se.Code)
	}
	return se.Msg
}
