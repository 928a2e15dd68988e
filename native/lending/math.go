package lending

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 precision
	halfRay     = new(big.Int).Rsh(ray, 1)
)

const secondsPerYear = 31_536_000

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	product.Quo(product, ray)
	return product
}

// ratToRayFactor converts a growth factor to ray precision, rounding half up.
// A nil or degenerate input collapses to the identity factor.
func ratToRayFactor(r *big.Rat) *big.Int {
	if r == nil {
		return new(big.Int).Set(ray)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	num := scaled.Num()
	den := scaled.Denom()
	if den.Sign() == 0 {
		return new(big.Int).Set(ray)
	}
	result := new(big.Int).Quo(new(big.Int).Add(num, halfUp(den)), den)
	if result.Sign() == 0 {
		return new(big.Int).Set(ray)
	}
	return result
}

// rateToRay converts an annual rate to ray precision, flooring. Unlike
// factors, a zero rate stays zero.
func rateToRay(r *big.Rat) *big.Int {
	if r == nil || r.Sign() <= 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom())
}

// rateFactor computes the ray-scaled simple growth factor 1 + rate*elapsed/year
// for the given annual rate and elapsed seconds.
func rateFactor(rate *big.Rat, elapsed int64) *big.Int {
	if rate == nil || rate.Sign() == 0 || elapsed <= 0 {
		return new(big.Int).Set(ray)
	}
	perPeriod := new(big.Rat).Set(rate)
	perPeriod.Quo(perPeriod, new(big.Rat).SetInt64(secondsPerYear))
	perPeriod.Mul(perPeriod, new(big.Rat).SetInt64(elapsed))
	factor := new(big.Rat).Add(big.NewRat(1, 1), perPeriod)
	return ratToRayFactor(factor)
}

// computeInterest returns the interest earned on the outstanding borrow total
// over the elapsed seconds at the given annual rate, rounded half up.
func computeInterest(totalBorrowed *big.Int, rate *big.Rat, elapsed int64) *big.Int {
	if totalBorrowed == nil || totalBorrowed.Sign() == 0 || rate == nil || rate.Sign() == 0 || elapsed <= 0 {
		return big.NewInt(0)
	}
	perPeriod := new(big.Rat).Set(rate)
	perPeriod.Quo(perPeriod, new(big.Rat).SetInt64(secondsPerYear))
	perPeriod.Mul(perPeriod, new(big.Rat).SetInt64(elapsed))
	interest := new(big.Rat).Mul(perPeriod, new(big.Rat).SetInt(totalBorrowed))
	if interest.Sign() <= 0 {
		return big.NewInt(0)
	}
	num := interest.Num()
	den := interest.Denom()
	if den.Sign() == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(new(big.Int).Add(num, halfUp(den)), den)
}

// scaleBalance rolls a stored balance from its snapshot index to the current
// index. Supplier balances round down so the pool never owes more than it
// holds; borrower balances round up so debt is never understated.
func scaleBalance(balance, snapshot, current *big.Int, roundUp bool) *big.Int {
	if balance == nil || balance.Sign() == 0 {
		return big.NewInt(0)
	}
	if snapshot == nil || snapshot.Sign() == 0 || current == nil || current.Sign() == 0 {
		return new(big.Int).Set(balance)
	}
	if snapshot.Cmp(current) == 0 {
		return new(big.Int).Set(balance)
	}
	scaled := new(big.Int).Mul(balance, current)
	if roundUp {
		scaled.Add(scaled, new(big.Int).Sub(snapshot, big.NewInt(1)))
	}
	return scaled.Quo(scaled, snapshot)
}

// bpsShare computes amount*bps/10000 rounded down.
func bpsShare(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	share := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return share.Quo(share, basisPoints)
}

// bpsRat converts basis points to an exact rational.
func bpsRat(bps uint64) *big.Rat {
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(bps), basisPoints)
}

// ratFloor converts a non-negative rational amount to its integer floor.
func ratFloor(r *big.Rat) *big.Int {
	if r == nil || r.Sign() <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(r.Num(), r.Denom())
}

func halfUp(x *big.Int) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	if x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	half.Rsh(half, 1)
	return half
}
