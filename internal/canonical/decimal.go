package canonical

import (
	"errors"
	"math/big"
	"strconv"
	"strings"
)

// maxExponent bounds the decimal exponent accepted in number text. Larger
// exponents would expand to unreasonably long digit strings.
const maxExponent = 4096

var (
	errNumberSyntax   = errors.New("malformed number")
	errNumberExponent = errors.New("number exponent out of range")
)

var (
	bigOne  = big.NewInt(1)
	bigTwo  = big.NewInt(2)
	bigFive = big.NewInt(5)
)

// Decimal normalizes JSON number text to its canonical decimal form: no
// exponent, no leading '+', no trailing fractional zeros, "-0" becomes "0".
// "1", "1.0" and "1e0" all normalize to "1"; "2.50e-1" normalizes to "0.25".
func Decimal(s string) (string, error) {
	if err := checkNumber(s); err != nil {
		return "", err
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return "", errNumberSyntax
	}
	if r.IsInt() {
		return r.Num().String(), nil
	}

	// Any rational parsed from decimal text has a denominator of the form
	// 2^a * 5^b, so it has a finite expansion of max(a, b) digits.
	d := new(big.Int).Set(r.Denom())
	twos := stripFactor(d, bigTwo)
	fives := stripFactor(d, bigFive)
	if d.Cmp(bigOne) != 0 {
		return "", errNumberSyntax
	}
	out := r.FloatString(max(twos, fives))
	if strings.Contains(out, ".") {
		out = strings.TrimRight(out, "0")
		out = strings.TrimSuffix(out, ".")
	}
	return out, nil
}

func stripFactor(d, f *big.Int) int {
	n := 0
	q, m := new(big.Int), new(big.Int)
	for {
		q.QuoRem(d, f, m)
		if m.Sign() != 0 {
			return n
		}
		d.Set(q)
		n++
	}
}

// checkNumber validates s against the JSON number grammar and bounds its
// exponent.
func checkNumber(s string) error {
	i := 0
	if i < len(s) && s[i] == '-' {
		i++
	}
	switch {
	case i < len(s) && s[i] == '0':
		i++
	case i < len(s) && s[i] >= '1' && s[i] <= '9':
		for i < len(s) && isDigit(s[i]) {
			i++
		}
	default:
		return errNumberSyntax
	}
	if i < len(s) && s[i] == '.' {
		i++
		start := i
		for i < len(s) && isDigit(s[i]) {
			i++
		}
		if i == start {
			return errNumberSyntax
		}
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		i++
		start := i
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			i++
		}
		digits := i
		for i < len(s) && isDigit(s[i]) {
			i++
		}
		if i == digits {
			return errNumberSyntax
		}
		exp, err := strconv.Atoi(s[start:i])
		if err != nil || exp > maxExponent || exp < -maxExponent {
			return errNumberExponent
		}
	}
	if i != len(s) {
		return errNumberSyntax
	}
	return nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
