package appsession

import (
	"github.com/holiman/uint256"
	"github.com/mixmixmix/rock-off-chain/pkg/amount"
	"github.com/mixmixmix/rock-off-chain/pkg/chord"
)

// Payout is what the counterparty receives at close: all of total for a minor
// chord, otherwise half of it (rounded down in base units) for a perfect
// fifth, otherwise nothing.
func Payout(total *uint256.Int, c chord.Classification) *uint256.Int {
	switch {
	case c.MinorChord:
		return new(uint256.Int).Set(total)
	case c.PerfectFifth:
		return amount.Half(total)
	default:
		return uint256.NewInt(0)
	}
}

// Split returns the close amounts (total - payout, payout).
func Split(total, payout *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	keep, err := amount.Sub(total, payout)
	if err != nil {
		return nil, nil, err
	}
	return keep, new(uint256.Int).Set(payout), nil
}
