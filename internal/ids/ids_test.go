package ids_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shaharia-lab/pulse/internal/ids"
)

func TestNew(t *testing.T) {
	a := ids.New(ids.EventPrefix)
	b := ids.New(ids.EventPrefix)

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "evt_"))
	assert.Len(t, a, len("evt_")+32)
	assert.True(t, ids.Valid(a))
}

func TestValid(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"E1", true},
		{"order-42", true},
		{"tenant:invoice.7", true},
		{"", false},
		{"-leading", false},
		{"has space", false},
		{"slash/inside", false},
		{strings.Repeat("x", 129), false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, ids.Valid(tt.id))
		})
	}
}
