package provider

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/creditledger/internal/model"
)

func TestToMinor(t *testing.T) {
	tests := []struct {
		amount  string
		want    int64
		wantErr bool
	}{
		{amount: "49.90", want: 4990},
		{amount: "19.9", want: 1990},
		{amount: "100", want: 10000},
		{amount: "0.01", want: 1},
		{amount: "49.999", wantErr: true},
		{amount: "", wantErr: true},
		{amount: "abc", wantErr: true},
		{amount: "92233720368547758.07", want: math.MaxInt64},
		{amount: "92233720368547758.08", wantErr: true},
		{amount: "184467440737095516.17", wantErr: true},
		{amount: "-184467440737095516.17", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := ToMinor(tt.amount)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedEvent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewSponsor("t", nil))

	a, ok := r.Get(model.ProviderSponsor)
	require.True(t, ok)
	assert.Equal(t, model.ProviderSponsor, a.Provider())

	_, ok = r.Get(model.ProviderCard)
	assert.False(t, ok)
}
