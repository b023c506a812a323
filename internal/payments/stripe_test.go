package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"
)

type stubIntents struct {
	params *stripe.PaymentIntentParams
	intent *stripe.PaymentIntent
	err    error
}

func (s *stubIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.params = params
	return s.intent, s.err
}

type stubRefunds struct {
	params *stripe.RefundParams
	refund *stripe.Refund
	err    error
}

func (s *stubRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	s.params = params
	return s.refund, s.err
}

func newStubGateway(t *testing.T, in *stubIntents, rf *stubRefunds) *StripeGateway {
	t.Helper()
	g, err := NewStripeGateway(StripeConfig{Currency: "EUR", Intents: in, Refunds: rf})
	require.NoError(t, err)
	return g
}

func TestStripeChargeSucceeded(t *testing.T) {
	in := &stubIntents{intent: &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded}}
	g := newStubGateway(t, in, &stubRefunds{})

	res, err := g.Charge(context.Background(), ChargeRequest{
		OrderID: "o-1", Amount: 10000, IdempotencyKey: "o-1:1", PaymentMethod: "pm_card_visa",
	})
	require.NoError(t, err)
	assert.Equal(t, ChargeResult{Success: true, TransactionID: "pi_1"}, res)

	require.NotNil(t, in.params)
	assert.Equal(t, int64(10000), *in.params.Amount)
	assert.Equal(t, "eur", *in.params.Currency)
	assert.True(t, *in.params.Confirm)
	assert.Equal(t, "o-1:1", *in.params.IdempotencyKey)
	assert.Equal(t, "o-1", in.params.Metadata["order_id"])
}

func TestStripeChargeCardErrorIsDecline(t *testing.T) {
	in := &stubIntents{err: &stripe.Error{Type: stripe.ErrorTypeCard, DeclineCode: "insufficient_funds"}}
	g := newStubGateway(t, in, &stubRefunds{})

	res, err := g.Charge(context.Background(), ChargeRequest{OrderID: "o-1", Amount: 1, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "insufficient_funds", res.Error)
}

func TestStripeChargeOtherErrorsAreAmbiguous(t *testing.T) {
	for name, e := range map[string]error{
		"api":     &stripe.Error{Type: stripe.ErrorTypeAPI, Msg: "boom"},
		"network": errors.New("dial tcp: i/o timeout"),
	} {
		t.Run(name, func(t *testing.T) {
			g := newStubGateway(t, &stubIntents{err: e}, &stubRefunds{})
			_, err := g.Charge(context.Background(), ChargeRequest{OrderID: "o-1", Amount: 1, IdempotencyKey: "k"})
			require.Error(t, err)
			assert.ErrorIs(t, err, e)
		})
	}
}

func TestStripeChargeUnsettledIntentIsAmbiguous(t *testing.T) {
	for _, status := range []stripe.PaymentIntentStatus{
		stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
	} {
		t.Run(string(status), func(t *testing.T) {
			in := &stubIntents{intent: &stripe.PaymentIntent{ID: "pi_2", Status: status}}
			g := newStubGateway(t, in, &stubRefunds{})

			_, err := g.Charge(context.Background(), ChargeRequest{OrderID: "o-1", Amount: 1, IdempotencyKey: "k"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "pi_2")
		})
	}
}

func TestStripeChargeFailedIntentIsDecline(t *testing.T) {
	in := &stubIntents{intent: &stripe.PaymentIntent{
		ID:               "pi_3",
		Status:           stripe.PaymentIntentStatusRequiresPaymentMethod,
		LastPaymentError: &stripe.Error{Type: stripe.ErrorTypeCard, DeclineCode: "do_not_honor"},
	}}
	g := newStubGateway(t, in, &stubRefunds{})

	res, err := g.Charge(context.Background(), ChargeRequest{OrderID: "o-1", Amount: 1, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "pi_3", res.TransactionID)
	assert.Equal(t, "do_not_honor", res.Error)
}

func TestStripeIdempotencyKeyInUseIsAmbiguous(t *testing.T) {
	inUse := &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, Code: "idempotency_key_in_use"}

	g := newStubGateway(t, &stubIntents{err: inUse}, &stubRefunds{err: inUse})
	_, err := g.Charge(context.Background(), ChargeRequest{OrderID: "o-1", Amount: 1, IdempotencyKey: "k"})
	require.ErrorIs(t, err, inUse)
	_, err = g.Refund(context.Background(), RefundRequest{TransactionID: "pi_1", Amount: 1, IdempotencyKey: "rf-1"})
	require.ErrorIs(t, err, inUse)
}

func TestStripeRefund(t *testing.T) {
	rf := &stubRefunds{refund: &stripe.Refund{ID: "re_1", Status: stripe.RefundStatusSucceeded}}
	g := newStubGateway(t, &stubIntents{}, rf)

	res, err := g.Refund(context.Background(), RefundRequest{TransactionID: "pi_1", Amount: 500, IdempotencyKey: "rf-1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "pi_1", *rf.params.PaymentIntent)
	assert.Equal(t, "rf-1", *rf.params.IdempotencyKey)

	rf.refund = &stripe.Refund{ID: "re_2", Status: stripe.RefundStatusFailed, FailureReason: stripe.RefundFailureReason("expired_or_canceled_card")}
	res, err = g.Refund(context.Background(), RefundRequest{TransactionID: "pi_1", Amount: 500})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "expired_or_canceled_card", res.Error)
}

func TestNewStripeGatewayNeedsKey(t *testing.T) {
	_, err := NewStripeGateway(StripeConfig{})
	require.Error(t, err)
}
