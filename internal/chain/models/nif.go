package models

import (
	"strings"
)

const (
	dniLetters = "TRWAGMYFPDXBNJZSQVHLCKE"
	cifLetters = "JABCDEFGHI"
)

// NormalizeNIF trims and upper-cases a tax identifier. This is the form used
// in the hash input and in every XML identifier.
func NormalizeNIF(nif string) string {
	return strings.ToUpper(strings.TrimSpace(nif))
}

// ValidateNIF checks the control character of a Spanish DNI, NIE or CIF.
func ValidateNIF(nif string) bool {
	nif = NormalizeNIF(nif)
	if len(nif) != 9 {
		return false
	}
	first := nif[0]
	switch {
	case isDigit(first):
		return validDNI(nif)
	case first == 'X' || first == 'Y' || first == 'Z':
		prefix := map[byte]byte{'X': '0', 'Y': '1', 'Z': '2'}[first]
		return validDNI(string(prefix) + nif[1:])
	case strings.IndexByte("ABCDEFGHJNPQRSUVW", first) >= 0:
		return validCIF(nif)
	case first == 'K' || first == 'L' || first == 'M':
		return validDNI("0" + nif[1:])
	default:
		return false
	}
}

func validDNI(nif string) bool {
	n := 0
	for i := 0; i < 8; i++ {
		if !isDigit(nif[i]) {
			return false
		}
		n = n*10 + int(nif[i]-'0')
	}
	return nif[8] == dniLetters[n%23]
}

func validCIF(nif string) bool {
	sum := 0
	for i := 1; i <= 7; i++ {
		c := nif[i]
		if !isDigit(c) {
			return false
		}
		d := int(c - '0')
		if i%2 == 1 {
			d *= 2
			d = d/10 + d%10
		}
		sum += d
	}
	control := (10 - sum%10) % 10
	last := nif[8]
	if isDigit(last) {
		return int(last-'0') == control
	}
	return last == cifLetters[control]
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
