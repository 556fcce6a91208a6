// Package rank generates fractional position keys for the pending queue.
//
// A key is an integer part followed by an optional fraction, both written
// in a base-62 alphabet whose byte order matches numeric order, so keys sort
// correctly with a plain string comparison (and with COLLATE "C" in
// PostgreSQL). The first character of the integer part encodes its length:
// 'a'..'z' start positive integers of 2..27 characters, 'Z'..'A' start
// negative ones of 2..27 characters. Appending at either end of the queue
// increments or decrements the integer, so keys grow logarithmically with
// the number of appends. Inserting between two neighbours extends the
// fraction, and moving an item only rewrites that item's key.
package rank

import (
	"errors"
	"fmt"
	"strings"
)

const (
	digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	base   = len(digits)

	// smallestInteger has no predecessor and is never handed out as a key.
	smallestInteger = "A00000000000000000000000000"
)

var (
	// ErrInvalidKey is returned for keys with an unknown head character, a
	// truncated integer part, characters outside the alphabet, or a fraction
	// ending in the zero digit.
	ErrInvalidKey = errors.New("rank: invalid key")

	// ErrOutOfOrder is returned when the lower bound is not below the upper bound.
	ErrOutOfOrder = errors.New("rank: lower bound must sort before upper bound")
)

// Initial returns the key used for the first item of an empty sequence.
func Initial() string {
	return "a0"
}

// After returns a key that sorts after key.
func After(key string) (string, error) {
	return Between(key, "")
}

// Before returns a key that sorts before key.
func Before(key string) (string, error) {
	return Between("", key)
}

// Between returns a key strictly between lo and hi.
// An empty lo means "no lower bound", an empty hi means "no upper bound".
func Between(lo, hi string) (string, error) {
	if lo != "" {
		if err := Validate(lo); err != nil {
			return "", err
		}
	}
	if hi != "" {
		if err := Validate(hi); err != nil {
			return "", err
		}
	}
	if lo != "" && hi != "" && lo >= hi {
		return "", fmt.Errorf("%w: %q >= %q", ErrOutOfOrder, lo, hi)
	}

	switch {
	case lo == "" && hi == "":
		return Initial(), nil

	case lo == "":
		ih, _ := integerPart(hi)
		if ih == smallestInteger {
			return ih + midpoint("", hi[len(ih):]), nil
		}
		if ih < hi {
			// hi has a fraction, so its bare integer sorts below it.
			return ih, nil
		}
		dec, ok := decrement(ih)
		if !ok || dec == smallestInteger {
			return ih + midpoint("", hi[len(ih):]), nil
		}
		return dec, nil

	case hi == "":
		il, _ := integerPart(lo)
		inc, ok := increment(il)
		if !ok {
			return il + midpoint(lo[len(il):], ""), nil
		}
		return inc, nil
	}

	il, _ := integerPart(lo)
	ih, _ := integerPart(hi)
	if il == ih {
		return il + midpoint(lo[len(il):], hi[len(ih):]), nil
	}
	if inc, ok := increment(il); ok && inc < hi {
		return inc, nil
	}
	return il + midpoint(lo[len(il):], ""), nil
}

// Validate reports whether key is a well-formed position key.
func Validate(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for i := 0; i < len(key); i++ {
		if strings.IndexByte(digits, key[i]) < 0 {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	i, err := integerPart(key)
	if err != nil {
		return err
	}
	if i == key && i == smallestInteger {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidKey, key)
	}
	if frac := key[len(i):]; frac != "" && frac[len(frac)-1] == digits[0] {
		return fmt.Errorf("%w: trailing zero in %q", ErrInvalidKey, key)
	}
	return nil
}

func integerLength(head byte) (int, bool) {
	switch {
	case head >= 'a' && head <= 'z':
		return int(head-'a') + 2, true
	case head >= 'A' && head <= 'Z':
		return int('Z'-head) + 2, true
	}
	return 0, false
}

func integerPart(key string) (string, error) {
	n, ok := integerLength(key[0])
	if !ok {
		return "", fmt.Errorf("%w: bad head in %q", ErrInvalidKey, key)
	}
	if n > len(key) {
		return "", fmt.Errorf("%w: truncated integer in %q", ErrInvalidKey, key)
	}
	return key[:n], nil
}

// increment returns the integer after x. It reports false once the largest
// representable integer is reached.
func increment(x string) (string, bool) {
	head, d := x[0], []byte(x[1:])
	for i := len(d) - 1; i >= 0; i-- {
		n := strings.IndexByte(digits, d[i]) + 1
		if n < base {
			d[i] = digits[n]
			return string(head) + string(d), true
		}
		d[i] = digits[0]
	}
	// Every digit carried: move to the next integer length.
	switch head {
	case 'Z':
		return "a" + digits[:1], true
	case 'z':
		return "", false
	}
	head++
	if head > 'a' {
		d = append(d, digits[0])
	} else {
		d = d[:len(d)-1]
	}
	return string(head) + string(d), true
}

// decrement returns the integer before x. It reports false below the
// smallest representable integer.
func decrement(x string) (string, bool) {
	head, d := x[0], []byte(x[1:])
	for i := len(d) - 1; i >= 0; i-- {
		n := strings.IndexByte(digits, d[i]) - 1
		if n >= 0 {
			d[i] = digits[n]
			return string(head) + string(d), true
		}
		d[i] = digits[base-1]
	}
	switch head {
	case 'a':
		return "Z" + digits[base-1:], true
	case 'A':
		return "", false
	}
	head--
	if head < 'Z' {
		d = append(d, digits[base-1])
	} else {
		d = d[:len(d)-1]
	}
	return string(head) + string(d), true
}

// midpoint returns a fraction strictly between lo and hi, where hi == ""
// is +inf. It assumes lo < hi and that neither ends in the zero digit.
func midpoint(lo, hi string) string {
	if hi != "" {
		// Shared prefix, with lo padded by zero digits.
		n := 0
		for n < len(hi) {
			c := digits[0]
			if n < len(lo) {
				c = lo[n]
			}
			if c != hi[n] {
				break
			}
			n++
		}
		if n > 0 {
			rest := ""
			if n < len(lo) {
				rest = lo[n:]
			}
			return hi[:n] + midpoint(rest, hi[n:])
		}
	}

	dLo := 0
	if lo != "" {
		dLo = strings.IndexByte(digits, lo[0])
	}
	dHi := base
	if hi != "" {
		dHi = strings.IndexByte(digits, hi[0])
	}

	if dHi-dLo > 1 {
		return string(digits[(dLo+dHi)/2])
	}

	// Adjacent first digits.
	if hi != "" && len(hi) > 1 {
		return hi[:1]
	}
	rest := ""
	if lo != "" {
		rest = lo[1:]
	}
	return string(digits[dLo]) + midpoint(rest, "")
}
