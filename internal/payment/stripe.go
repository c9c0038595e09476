package payment

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/paymentintent"
	"github.com/stripe/stripe-go/v78/refund"
)

// StripeProcessor authorizes and refunds through Stripe's PaymentIntents
// API rather than Checkout Sessions, since the saga drives payment
// server-side with no customer redirect in the loop.
type StripeProcessor struct {
	apiKey string
}

// NewStripeProcessor sets the package-global Stripe key, matching the SDK's
// own client pattern.
func NewStripeProcessor(apiKey string) *StripeProcessor {
	stripe.Key = apiKey
	return &StripeProcessor{apiKey: apiKey}
}

func (s *StripeProcessor) Authorize(ctx context.Context, orderID, customerID string, amountCents int64, currency string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(amountCents),
		Currency:           stripe.String(currency),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodAutomatic)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Metadata: map[string]string{
			"orderId":    orderID,
			"customerId": customerID,
		},
	}
	params.Context = ctx

	intent, err := paymentintent.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe authorize: %w", err)
	}
	return intent.ID, nil
}

func (s *StripeProcessor) Refund(ctx context.Context, processorRef string) error {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(processorRef)}
	params.Context = ctx

	if _, err := refund.New(params); err != nil {
		return fmt.Errorf("stripe refund: %w", err)
	}
	return nil
}

var _ Processor = (*StripeProcessor)(nil)
