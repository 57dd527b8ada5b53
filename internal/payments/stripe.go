package payments

import (
	"os"
	"sync"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient implements the coordinator's billing hooks on top of
// stripe-go PaymentIntents: a manual-capture hold at acceptance, capture
// at completion, cancellation of the hold plus an immediate fee charge
// when a ride is cancelled late.
type StripeClient struct {
	Currency string

	mu    sync.Mutex
	holds map[string]string // ride ID -> payment intent ID
}

// NewStripeClient initializes the stripe client with the STRIPE_API_KEY
// env var.
func NewStripeClient(currency string) *StripeClient {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	if currency == "" {
		currency = "usd"
	}
	return &StripeClient{Currency: currency, holds: make(map[string]string)}
}

// HoldFare creates a manual-capture PaymentIntent for the estimate.
func (s *StripeClient) HoldFare(rideID string, amount float64) error {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toCents(amount)),
		Currency: stripe.String(s.Currency),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.holds[rideID] = pi.ID
	s.mu.Unlock()
	return nil
}

// CaptureFare finalizes the hold for a completed ride.
func (s *StripeClient) CaptureFare(rideID string) error {
	id, ok := s.takeHold(rideID)
	if !ok {
		return nil
	}
	_, err := paymentintent.Capture(id, nil)
	return err
}

// ReleaseFare drops the hold for a cancelled ride.
func (s *StripeClient) ReleaseFare(rideID string) error {
	id, ok := s.takeHold(rideID)
	if !ok {
		return nil
	}
	_, err := paymentintent.Cancel(id, nil)
	return err
}

// ChargeCancellationFee collects the flat late-cancellation fee with an
// immediate-capture intent.
func (s *StripeClient) ChargeCancellationFee(rideID string, amount float64) error {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toCents(amount)),
		Currency: stripe.String(s.Currency),
	}
	_, err := paymentintent.New(params)
	return err
}

func (s *StripeClient) takeHold(rideID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.holds[rideID]
	delete(s.holds, rideID)
	return id, ok
}

func toCents(amount float64) int64 {
	return int64(amount*100 + 0.5)
}
