package compliance

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCheck_WithinCap(t *testing.T) {
	out, err := CheckFloat(1000, 1140, nil, 0.15)
	require.NoError(t, err)
	assert.Equal(t, "150.00", out.CapLimit.StringFixed(2))
	assert.Equal(t, "140.00", out.Delta.StringFixed(2))
	assert.Equal(t, "14.00", out.DeltaPercent.StringFixed(2))
	assert.Equal(t, "1150.00", out.MaxAllowed.StringFixed(2))
	assert.True(t, out.IsCompliant)
}

func TestCheck_ExceedsCap(t *testing.T) {
	out, err := CheckFloat(1000, 1160, []float64{}, 0.15)
	require.NoError(t, err)
	assert.Equal(t, "160.00", out.Delta.StringFixed(2))
	assert.Equal(t, "150.00", out.CapLimit.StringFixed(2))
	assert.Equal(t, "1150.00", out.MaxAllowed.StringFixed(2))
	assert.False(t, out.IsCompliant)
	assert.Len(t, out.Detail(), 2)
}

func TestCheck_Boundary(t *testing.T) {
	out, err := Check(CapInput{Current: dec("1000"), Proposed: dec("1150"), CapRatio: dec("0.15")})
	require.NoError(t, err)
	assert.True(t, out.IsCompliant)

	out, err = Check(CapInput{Current: dec("1000"), Proposed: dec("1150.01"), CapRatio: dec("0.15")})
	require.NoError(t, err)
	assert.False(t, out.IsCompliant)
}

func TestCheck_WindowHistoryConsumesCap(t *testing.T) {
	out, err := Check(CapInput{
		Current:       dec("1000"),
		Proposed:      dec("1060"),
		WindowHistory: []decimal.Decimal{dec("50"), dec("50")},
		CapRatio:      dec("0.15"),
	})
	require.NoError(t, err)
	assert.False(t, out.IsCompliant)
	assert.Equal(t, "100.00", out.WindowTotal.StringFixed(2))
	assert.Equal(t, "1050.00", out.MaxAllowed.StringFixed(2))
}

func TestCheck_DecreaseIsCompliant(t *testing.T) {
	out, err := Check(CapInput{Current: dec("1000"), Proposed: dec("900"), CapRatio: dec("0.15")})
	require.NoError(t, err)
	assert.True(t, out.IsCompliant)
	assert.Equal(t, "-100.00", out.Delta.StringFixed(2))
	assert.Equal(t, "-10.00", out.DeltaPercent.StringFixed(2))
}

func TestCheck_RoundsHalfAwayFromZero(t *testing.T) {
	out, err := Check(CapInput{Current: dec("333.33"), Proposed: dec("333.335"), CapRatio: dec("0.1")})
	require.NoError(t, err)
	assert.Equal(t, "0.01", out.Delta.StringFixed(2))
	assert.Equal(t, "33.33", out.CapLimit.StringFixed(2))

	out, err = Check(CapInput{Current: dec("333.335"), Proposed: dec("333.33"), CapRatio: dec("0.1")})
	require.NoError(t, err)
	assert.Equal(t, "-0.01", out.Delta.StringFixed(2))
}

func TestCheck_Deterministic(t *testing.T) {
	in := CapInput{Current: dec("1234.56"), Proposed: dec("1300"), WindowHistory: []decimal.Decimal{dec("12.5")}, CapRatio: dec("0.2")}
	a, err := Check(in)
	require.NoError(t, err)
	b, err := Check(in)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCheck_RejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name string
		in   CapInput
		want error
	}{
		{"zero current", CapInput{Current: dec("0"), Proposed: dec("1"), CapRatio: dec("0.1")}, ErrNonPositiveCurrent},
		{"negative proposed", CapInput{Current: dec("1"), Proposed: dec("-1"), CapRatio: dec("0.1")}, ErrNegativeProposed},
		{"negative cap", CapInput{Current: dec("1"), Proposed: dec("1"), CapRatio: dec("-0.1")}, ErrNegativeCapRatio},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Check(tc.in)
			require.ErrorIs(t, err, tc.want)
		})
	}
}
