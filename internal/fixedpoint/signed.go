package fixedpoint

// Signed is a sign-magnitude fixed-point value, used for pnl and equity.
// The zero value is zero; negative zero does not occur.
type Signed struct {
	Neg bool
	Mag uint64
}

// Positive returns +v.
func Positive(v uint64) Signed { return Signed{Mag: v} }

// Negative returns -v.
func Negative(v uint64) Signed {
	if v == 0 {
		return Signed{}
	}
	return Signed{Neg: true, Mag: v}
}

// Diff returns a-b as a signed value.
func Diff(a, b uint64) Signed {
	if a >= b {
		return Positive(a - b)
	}
	return Negative(b - a)
}

// Negate flips the sign.
func (s Signed) Negate() Signed {
	if s.Neg {
		return Positive(s.Mag)
	}
	return Negative(s.Mag)
}

// Plus returns base+s.
func (s Signed) Plus(base uint64) (Signed, error) {
	if !s.Neg {
		v, err := Add(base, s.Mag)
		if err != nil {
			return Signed{}, err
		}
		return Positive(v), nil
	}
	return Diff(base, s.Mag), nil
}

// Minus returns base-s.
func (s Signed) Minus(base uint64) (Signed, error) {
	return s.Negate().Plus(base)
}

// Less reports s < x.
func (s Signed) Less(x uint64) bool {
	return s.Neg || s.Mag < x
}

// Floor clamps s at zero.
func (s Signed) Floor() uint64 {
	if s.Neg {
		return 0
	}
	return s.Mag
}

// Shortfall is how far below zero s is.
func (s Signed) Shortfall() uint64 {
	if s.Neg {
		return s.Mag
	}
	return 0
}

// Clamp bounds s to [0, hi].
func (s Signed) Clamp(hi uint64) uint64 {
	return Min(s.Floor(), hi)
}

// ScaledProduct returns size*(to-from) rescaled from fromDec to toDec with
// the sign of to-from. The magnitude is truncated toward zero, so a gain and
// an equal loss round to the same magnitude.
func ScaledProduct(size, from, to uint64, fromDec, toDec uint8) (Signed, error) {
	diff := Diff(to, from)
	mag, err := MulRescale(size, diff.Mag, fromDec, toDec)
	if err != nil {
		return Signed{}, err
	}
	if diff.Neg {
		return Negative(mag), nil
	}
	return Positive(mag), nil
}
