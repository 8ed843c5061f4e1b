// Package masking turns protected health information into partially
// redacted display forms. Every function is pure and operates on Unicode
// code points, so Hangul names and addresses mask the same way ASCII does.
package masking

import "strings"

const (
	MaskRune = '*'
	// Placeholder replaces free-text clinical fields wholesale.
	Placeholder = "[MASKED]"
	// CodePlaceholder replaces a diagnosis code wholesale.
	CodePlaceholder = "***"
	// NationalIDSuffix follows the retained prefix of a national ID.
	NationalIDSuffix = "-******"
	nationalIDKeep   = 6
)

// AddressMarkers are administrative-unit tokens, tried in order.
var AddressMarkers = []string{"구", "군", "시"}

func stars(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat(string(MaskRune), n)
}

// Name keeps the first and last characters of names longer than two.
func Name(name string) string {
	r := []rune(name)
	switch {
	case len(r) < 2:
		return name
	case len(r) == 2:
		return string(r[0]) + stars(1)
	default:
		return string(r[0]) + stars(len(r)-2) + string(r[len(r)-1])
	}
}

// Address keeps everything through the first matching marker. Without a
// marker the second half of the string, by character count, is masked.
func Address(address string) string {
	if address == "" {
		return ""
	}
	r := []rune(address)
	for _, marker := range AddressMarkers {
		idx := strings.Index(address, marker)
		if idx < 0 {
			continue
		}
		keep := len([]rune(address[:idx])) + len([]rune(marker))
		return string(r[:keep]) + stars(len(r)-keep)
	}
	mid := len(r) / 2
	return string(r[:mid]) + stars(len(r)-mid)
}

func Code(code string) string {
	if code == "" {
		return ""
	}
	return CodePlaceholder
}

func Diagnosis(diagnosis string) string {
	if diagnosis == "" {
		return ""
	}
	return Placeholder
}

func Description(description string) string {
	if description == "" {
		return ""
	}
	return Placeholder
}

// NationalID never reveals more than the first six characters, and the
// suffix length does not depend on the stored value.
func NationalID(id string) string {
	if id == "" {
		return ""
	}
	r := []rune(id)
	if len(r) > nationalIDKeep {
		r = r[:nationalIDKeep]
	}
	return string(r) + NationalIDSuffix
}
