package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateID(t *testing.T) {
	for _, tc := range []struct {
		id        string
		expectErr bool
	}{
		{id: "ep-main"},
		{id: "replica_2"},
		{id: "0numbers-first"},
		{id: strings.Repeat("a", 63)},
		{id: strings.Repeat("a", 64), expectErr: true},
		{id: "", expectErr: true},
		{id: "-leading-separator", expectErr: true},
		{id: "_leading-separator", expectErr: true},
		{id: "Uppercase", expectErr: true},
		{id: "has space", expectErr: true},
		{id: "dots.banned", expectErr: true},
		{id: "../escape", expectErr: true},
	} {
		t.Run(tc.id, func(t *testing.T) {
			err := ValidateID(tc.id)
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPointerTo(t *testing.T) {
	p := PointerTo(42)
	assert.Equal(t, 42, *p)
}
