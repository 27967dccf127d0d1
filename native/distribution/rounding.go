package distribution

import "math/big"

// HighPrecisionDigits is the fixed decimal precision applied by
// RoundHighPrecision. It sits far beyond any currency or token precision; the
// rounding exists to collapse noise introduced by chained multiplications and
// divisions, not to truncate economically meaningful digits.
const HighPrecisionDigits = 64

var highPrecisionScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(HighPrecisionDigits), nil)

// RoundHighPrecision rounds x to HighPrecisionDigits fractional decimal
// digits, half away from zero. The result is a fresh value; x is never
// mutated. Identical inputs produce bit-identical outputs.
func RoundHighPrecision(x *big.Rat) *big.Rat {
	if x == nil {
		return new(big.Rat)
	}
	scaled := new(big.Rat).Mul(x, new(big.Rat).SetInt(highPrecisionScale))
	num := scaled.Num()
	denom := scaled.Denom()

	quo, rem := new(big.Int).QuoRem(num, denom, new(big.Int))
	if rem.Sign() != 0 {
		// Round half away from zero: compare 2*|rem| against the denominator.
		doubled := new(big.Int).Abs(rem)
		doubled.Lsh(doubled, 1)
		if doubled.Cmp(denom) >= 0 {
			if num.Sign() < 0 {
				quo.Sub(quo, big.NewInt(1))
			} else {
				quo.Add(quo, big.NewInt(1))
			}
		}
	}
	return new(big.Rat).SetFrac(quo, new(big.Int).Set(highPrecisionScale))
}

// FloorToUnit truncates x toward zero to an integer smallest unit. Every
// amount that leaves the calculator and enters a claim passes through here.
func FloorToUnit(x *big.Rat) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(x.Num(), x.Denom())
}

// floorDiv returns floor-toward-zero of a/b as an integer, with a zero
// result when b is zero. Division by zero never propagates out of the
// calculator.
func floorDiv(a, b *big.Rat) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	return FloorToUnit(new(big.Rat).Quo(a, b))
}

func ratFromInt(v *big.Int) *big.Rat {
	if v == nil {
		return new(big.Rat)
	}
	return new(big.Rat).SetInt(v)
}
