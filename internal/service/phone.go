package service

import (
	"regexp"
	"strings"

	"github.com/punchamoorthee/earnledger/internal/domain"
)

var kenyanMSISDN = regexp.MustCompile(`^254[0-9]{9}$`)

// NormalizePhone converts local and international Kenyan formats to 2547XXXXXXXX.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "254"):
	case strings.HasPrefix(digits, "0"):
		digits = "254" + digits[1:]
	case len(digits) == 9:
		digits = "254" + digits
	}

	if !kenyanMSISDN.MatchString(digits) {
		return "", domain.ErrInvalidPhone
	}
	return digits, nil
}
