package lending

import (
	"math/big"
	"testing"
)

func TestUtilisationDefinedAsZeroOnEmptyPool(t *testing.T) {
	model := MustNewInterestModel("0.02", "0.15", "0", "0")

	if u := model.Utilisation(big.NewInt(0), big.NewInt(1_000)); u.Sign() != 0 {
		t.Fatalf("expected zero utilisation with no borrows, got %s", u.RatString())
	}
	if u := model.Utilisation(big.NewInt(500), big.NewInt(0)); u.Sign() != 0 {
		t.Fatalf("expected zero utilisation with no supply, got %s", u.RatString())
	}
	if u := model.Utilisation(big.NewInt(500), big.NewInt(1_000)); u.Cmp(big.NewRat(1, 2)) != 0 {
		t.Fatalf("unexpected utilisation: %s", u.RatString())
	}
}

func TestBorrowAPRLinearEndpoints(t *testing.T) {
	model := MustNewInterestModel("0.02", "0.15", "0", "0")

	// Zero utilisation yields the base rate exactly.
	atZero := model.BorrowAPR(big.NewInt(0), big.NewInt(1_000))
	if atZero.Cmp(big.NewRat(1, 50)) != 0 {
		t.Fatalf("unexpected rate at zero utilisation: %s", atZero.RatString())
	}

	// Full utilisation yields base+slope exactly.
	atFull := model.BorrowAPR(big.NewInt(1_000), big.NewInt(1_000))
	if atFull.Cmp(big.NewRat(17, 100)) != 0 {
		t.Fatalf("unexpected rate at full utilisation: %s", atFull.RatString())
	}

	atHalf := model.BorrowAPR(big.NewInt(500), big.NewInt(1_000))
	if atHalf.Cmp(big.NewRat(95, 1_000)) != 0 {
		t.Fatalf("unexpected rate at half utilisation: %s", atHalf.RatString())
	}
}

func TestBorrowAPRKinkedCurve(t *testing.T) {
	model := MustNewInterestModel("0.01", "0.04", "0.75", "0.8")

	// Below and at the kink only slope1 applies.
	atKink := model.BorrowAPRAt(big.NewRat(4, 5))
	if atKink.Cmp(big.NewRat(42, 1_000)) != 0 {
		t.Fatalf("unexpected rate at kink: %s", atKink.RatString())
	}

	// Past the kink the excess utilisation is charged at slope2.
	steep := model.BorrowAPRAt(big.NewRat(9, 10))
	if steep.Cmp(big.NewRat(117, 1_000)) != 0 {
		t.Fatalf("unexpected rate past kink: %s", steep.RatString())
	}

	atFull := model.BorrowAPRAt(big.NewRat(1, 1))
	if atFull.Cmp(big.NewRat(192, 1_000)) != 0 {
		t.Fatalf("unexpected rate at full utilisation: %s", atFull.RatString())
	}
}

func TestSupplyRateSharesInterestWithReserve(t *testing.T) {
	model := MustNewInterestModel("0.02", "0.15", "0", "0")

	// U=0.5, APR=0.095: suppliers earn 0.5*0.095*0.9 with a 10% reserve.
	rate := model.SupplyRate(big.NewInt(500), big.NewInt(1_000), 1_000)
	if rate.Cmp(big.NewRat(171, 4_000)) != 0 {
		t.Fatalf("unexpected supply rate: %s", rate.RatString())
	}

	if rate := model.SupplyRate(big.NewInt(0), big.NewInt(1_000), 1_000); rate.Sign() != 0 {
		t.Fatalf("expected zero supply rate with no borrows, got %s", rate.RatString())
	}

	// A full reserve factor leaves suppliers with nothing.
	if rate := model.SupplyRate(big.NewInt(500), big.NewInt(1_000), 10_000); rate.Sign() != 0 {
		t.Fatalf("expected zero supply rate at full reserve factor, got %s", rate.RatString())
	}
}

func TestNewInterestModelValidation(t *testing.T) {
	if _, err := NewInterestModel("abc", "0", "0", "0"); err == nil {
		t.Fatalf("expected error for malformed base rate")
	}
	if _, err := NewInterestModel("-0.01", "0", "0", "0"); err == nil {
		t.Fatalf("expected error for negative base rate")
	}
	if _, err := NewInterestModel("0", "0", "0", "1.5"); err == nil {
		t.Fatalf("expected error for kink above 1")
	}
	model, err := NewInterestModel("0.02", "0.15", "0", "0")
	if err != nil {
		t.Fatalf("valid model rejected: %v", err)
	}
	clone := model.Clone()
	clone.BaseRate.SetInt64(9)
	if model.BaseRate.Cmp(big.NewRat(1, 50)) != 0 {
		t.Fatalf("clone mutation leaked into original: %s", model.BaseRate.RatString())
	}
}
