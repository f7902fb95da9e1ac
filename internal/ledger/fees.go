package ledger

import "fmt"

// FeeBreakdown is the result of fee calculation for one payout.
// Gross == Platform + Processor + Net always holds.
type FeeBreakdown struct {
	PlatformFeeCents  int64 `json:"platform_fee_cents"`
	ProcessorFeeCents int64 `json:"processor_fee_cents"`
	NetCents          int64 `json:"net_cents"`
}

// FeeCalculator computes platform and processor fees for payouts.
// It is a pure component: no I/O, deterministic for a given configuration.
type FeeCalculator struct {
	platformRateBps   int64
	instantRateBps    int64
	standardFlatCents int64
	instantFlatCents  int64
}

// NewFeeCalculator creates a fee calculator. Rates are in basis points.
func NewFeeCalculator(platformRateBps, instantRateBps, standardFlatCents, instantFlatCents int64) *FeeCalculator {
	return &FeeCalculator{
		platformRateBps:   platformRateBps,
		instantRateBps:    instantRateBps,
		standardFlatCents: standardFlatCents,
		instantFlatCents:  instantFlatCents,
	}
}

// roundBps applies rate basis points to cents with half-up rounding.
func roundBps(cents, rateBps int64) int64 {
	return (cents*rateBps + 5000) / 10000
}

// CalculateFees computes the fee breakdown for a gross amount and payout
// method. Returns ErrBelowMinimumAfterFees when fees would meet or exceed
// gross, so a payout with non-positive net is never created.
func (fc *FeeCalculator) CalculateFees(grossCents int64, method string) (FeeBreakdown, error) {
	if grossCents <= 0 {
		return FeeBreakdown{}, fmt.Errorf("gross must be positive: %w", ErrInvalidAmount)
	}

	platformFee := roundBps(grossCents, fc.platformRateBps)

	var processorFee int64
	switch method {
	case "standard":
		processorFee = fc.standardFlatCents
	case "instant":
		processorFee = roundBps(grossCents, fc.instantRateBps) + fc.instantFlatCents
	default:
		return FeeBreakdown{}, fmt.Errorf("unknown payout method %q: %w", method, ErrInvalidAmount)
	}

	net := grossCents - platformFee - processorFee
	if net <= 0 {
		return FeeBreakdown{}, fmt.Errorf("gross %d leaves net %d: %w", grossCents, net, ErrBelowMinimumAfterFees)
	}

	return FeeBreakdown{
		PlatformFeeCents:  platformFee,
		ProcessorFeeCents: processorFee,
		NetCents:          net,
	}, nil
}

// MinimumGross returns the smallest gross for which the method yields a
// positive net. Used to pre-validate batch candidates without trial runs.
func (fc *FeeCalculator) MinimumGross(method string) int64 {
	for gross := int64(1); ; gross++ {
		if _, err := fc.CalculateFees(gross, method); err == nil {
			return gross
		}
	}
}
