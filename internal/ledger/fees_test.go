package ledger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultCalculator() *FeeCalculator {
	// 7% platform, 1.5% + 25¢ instant, 25¢ standard flat
	return NewFeeCalculator(700, 150, 25, 25)
}

func TestCalculateFeesStandard(t *testing.T) {
	fc := defaultCalculator()

	fees, err := fc.CalculateFees(700, "standard")
	require.NoError(t, err)

	assert.Equal(t, int64(49), fees.PlatformFeeCents)
	assert.Equal(t, int64(25), fees.ProcessorFeeCents)
	assert.Equal(t, int64(626), fees.NetCents)
}

func TestCalculateFeesInstant(t *testing.T) {
	fc := defaultCalculator()

	fees, err := fc.CalculateFees(10000, "instant")
	require.NoError(t, err)

	assert.Equal(t, int64(700), fees.PlatformFeeCents)
	assert.Equal(t, int64(175), fees.ProcessorFeeCents)
	assert.Equal(t, int64(9125), fees.NetCents)
}

func TestCalculateFeesDeterministic(t *testing.T) {
	fc := defaultCalculator()

	first, err := fc.CalculateFees(333, "standard")
	require.NoError(t, err)
	second, err := fc.CalculateFees(333, "standard")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestFeeComponentsSumToGross(t *testing.T) {
	fc := defaultCalculator()

	for _, gross := range []int64{100, 333, 701, 2500, 9999, 123456} {
		for _, method := range []string{"standard", "instant"} {
			fees, err := fc.CalculateFees(gross, method)
			require.NoError(t, err, "gross=%d method=%s", gross, method)
			assert.Equal(t, gross, fees.PlatformFeeCents+fees.ProcessorFeeCents+fees.NetCents,
				"gross=%d method=%s", gross, method)
		}
	}
}

func TestCalculateFeesRejectsNonPositiveNet(t *testing.T) {
	fc := defaultCalculator()

	// 25¢ gross: the flat processor fee alone swallows it.
	_, err := fc.CalculateFees(25, "standard")
	assert.True(t, errors.Is(err, ErrBelowMinimumAfterFees))
}

func TestCalculateFeesRejectsInvalidInput(t *testing.T) {
	fc := defaultCalculator()

	_, err := fc.CalculateFees(0, "standard")
	assert.True(t, errors.Is(err, ErrInvalidAmount))

	_, err = fc.CalculateFees(-500, "standard")
	assert.True(t, errors.Is(err, ErrInvalidAmount))

	_, err = fc.CalculateFees(1000, "wire")
	assert.True(t, errors.Is(err, ErrInvalidAmount))
}

func TestMinimumGross(t *testing.T) {
	fc := defaultCalculator()

	min := fc.MinimumGross("standard")
	assert.Equal(t, int64(28), min)

	_, err := fc.CalculateFees(min, "standard")
	assert.NoError(t, err)
	_, err = fc.CalculateFees(min-1, "standard")
	assert.Error(t, err)
}

func TestRoundBpsHalfUp(t *testing.T) {
	assert.Equal(t, int64(1), roundBps(100, 50))  // 0.5 rounds up
	assert.Equal(t, int64(0), roundBps(100, 49))  // 0.49 rounds down
	assert.Equal(t, int64(7), roundBps(100, 700)) // exact
}
