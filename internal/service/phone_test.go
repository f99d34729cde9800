package service

import (
	"testing"

	"github.com/punchamoorthee/earnledger/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
		err  error
	}{
		{in: "0712345678", want: "254712345678"},
		{in: "+254 712 345 678", want: "254712345678"},
		{in: "254112345678", want: "254112345678"},
		{in: "712345678", want: "254712345678"},
		{in: "0712-345-678", want: "254712345678"},
		{in: "071234567", err: domain.ErrInvalidPhone},
		{in: "2547123456789", err: domain.ErrInvalidPhone},
		{in: "", err: domain.ErrInvalidPhone},
		{in: "+1 415 555 0100", err: domain.ErrInvalidPhone},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := NormalizePhone(tc.in)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
