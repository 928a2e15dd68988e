package lending

import (
	"fmt"
	"math/big"
)

// InterestModel encapsulates the parameters that shape how interest rates
// react to market utilisation. The default configuration is a single linear
// segment; deployments that want a steeper curve past an optimal utilisation
// point configure Kink and Slope2 together.
type InterestModel struct {
	// BaseRate is the borrow APR applied at zero utilisation.
	BaseRate *big.Rat
	// Slope1 is the borrow APR increase per unit of utilisation up to the
	// kink point.
	Slope1 *big.Rat
	// Slope2 governs the additional APR increase applied when utilisation
	// exceeds the kink point. Zero disables the second segment.
	Slope2 *big.Rat
	// Kink is the utilisation ratio where the slope changes. Zero keeps
	// the model purely linear.
	Kink *big.Rat
}

// NewInterestModel parses decimal strings into an exact rate model, e.g. a 2%
// base rate is "0.02" and an 80% kink utilisation is "0.8". Decimal inputs
// keep the zero- and full-utilisation rates exact.
func NewInterestModel(baseRate, slope1, slope2, kink string) (*InterestModel, error) {
	model := &InterestModel{}
	fields := []struct {
		name  string
		value string
		dst   **big.Rat
	}{
		{"base rate", baseRate, &model.BaseRate},
		{"slope1", slope1, &model.Slope1},
		{"slope2", slope2, &model.Slope2},
		{"kink", kink, &model.Kink},
	}
	for _, field := range fields {
		parsed, ok := new(big.Rat).SetString(field.value)
		if !ok {
			return nil, fmt.Errorf("interest model: invalid %s %q", field.name, field.value)
		}
		if parsed.Sign() < 0 {
			return nil, fmt.Errorf("interest model: %s must not be negative", field.name)
		}
		*field.dst = parsed
	}
	if model.Kink.Cmp(big.NewRat(1, 1)) > 0 {
		return nil, fmt.Errorf("interest model: kink must not exceed 1")
	}
	return model, nil
}

// MustNewInterestModel is a helper for defaults and tests.
func MustNewInterestModel(baseRate, slope1, slope2, kink string) *InterestModel {
	model, err := NewInterestModel(baseRate, slope1, slope2, kink)
	if err != nil {
		panic(err)
	}
	return model
}

// Clone returns a deep copy of the interest model.
func (m *InterestModel) Clone() *InterestModel {
	if m == nil {
		return nil
	}
	clone := &InterestModel{
		BaseRate: new(big.Rat),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     new(big.Rat),
	}
	if m.BaseRate != nil {
		clone.BaseRate.Set(m.BaseRate)
	}
	if m.Slope1 != nil {
		clone.Slope1.Set(m.Slope1)
	}
	if m.Slope2 != nil {
		clone.Slope2.Set(m.Slope2)
	}
	if m.Kink != nil {
		clone.Kink.Set(m.Kink)
	}
	return clone
}

// Utilisation computes the ratio U = totalBorrowed / totalSupplied. When no
// liquidity exists the utilisation is defined as zero.
func (m *InterestModel) Utilisation(totalBorrowed, totalSupplied *big.Int) *big.Rat {
	if totalBorrowed == nil || totalBorrowed.Sign() == 0 {
		return new(big.Rat)
	}
	if totalSupplied == nil || totalSupplied.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(totalBorrowed, totalSupplied)
}

// BorrowAPR derives the dynamic borrow APR based on the current utilisation.
// At zero utilisation it equals BaseRate exactly; at full utilisation with a
// linear model it equals BaseRate+Slope1 exactly.
func (m *InterestModel) BorrowAPR(totalBorrowed, totalSupplied *big.Int) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	utilisation := m.Utilisation(totalBorrowed, totalSupplied)
	return m.BorrowAPRAt(utilisation)
}

// BorrowAPRAt evaluates the curve at an explicit utilisation ratio.
func (m *InterestModel) BorrowAPRAt(utilisation *big.Rat) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	if utilisation == nil || utilisation.Sign() == 0 {
		return rate
	}

	kink := cloneRat(m.Kink)
	slope1 := cloneRat(m.Slope1)
	slope2 := cloneRat(m.Slope2)
	if kink.Sign() == 0 || slope2.Sign() == 0 || utilisation.Cmp(kink) <= 0 {
		// Linear region before the kink.
		return rate.Add(rate, new(big.Rat).Mul(slope1, utilisation))
	}

	// Rate at the kink using slope1, then the excess using slope2.
	rate.Add(rate, new(big.Rat).Mul(slope1, kink))
	excess := new(big.Rat).Sub(utilisation, kink)
	return rate.Add(rate, new(big.Rat).Mul(slope2, excess))
}

// SupplyRate derives the supplier rate from the borrow APR, utilisation and
// the market reserve factor: U * borrowAPR * (1 - reserveFactor).
func (m *InterestModel) SupplyRate(totalBorrowed, totalSupplied *big.Int, reserveFactorBps uint64) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	utilisation := m.Utilisation(totalBorrowed, totalSupplied)
	if utilisation.Sign() == 0 {
		return new(big.Rat)
	}
	borrowAPR := m.BorrowAPRAt(utilisation)
	if borrowAPR.Sign() == 0 {
		return new(big.Rat)
	}

	oneMinusReserve := new(big.Rat).Sub(big.NewRat(1, 1), bpsRat(reserveFactorBps))
	if oneMinusReserve.Sign() < 0 {
		oneMinusReserve.SetInt64(0)
	}

	rate := new(big.Rat).Mul(borrowAPR, utilisation)
	rate.Mul(rate, oneMinusReserve)
	return rate
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

// DefaultInterestModel is a single-segment linear curve with a modest base
// rate.
var DefaultInterestModel = MustNewInterestModel("0.02", "0.15", "0", "0")
