package math_test

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fpmath "PerpEngine/internal/math"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ============================================================================
// Wire encoding
// ============================================================================

func TestWad_JSONScaledInteger(t *testing.T) {
	b, err := json.Marshal(fpmath.NewWad(d("200.5")))
	require.NoError(t, err)
	assert.Equal(t, `"200500000000000000000"`, string(b))

	var w fpmath.Wad
	require.NoError(t, json.Unmarshal([]byte(`"183561600000000000000"`), &w))
	assert.True(t, w.Equal(d("183.5616")), "got %s", w)

	require.NoError(t, json.Unmarshal([]byte(`1000000000000000000`), &w))
	assert.True(t, w.Equal(decimal.NewFromInt(1)))
}

func TestWad_RejectsFraction(t *testing.T) {
	var w fpmath.Wad
	assert.Error(t, json.Unmarshal([]byte(`"1.5"`), &w))
}

func TestPrice_JSONScaledInteger(t *testing.T) {
	var p fpmath.Price
	require.NoError(t, json.Unmarshal([]byte(`"5000012345678"`), &p))
	assert.True(t, p.Equal(d("50000.12345678")))

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `"5000012345678"`, string(b))
}

func TestPercent_OnePercentIsTenThousand(t *testing.T) {
	var p fpmath.Percent
	require.NoError(t, json.Unmarshal([]byte(`"10000"`), &p))
	assert.True(t, p.Equal(d("0.01")), "got %s", p)

	b, err := json.Marshal(fpmath.NewPercent(d("0.5")))
	require.NoError(t, err)
	assert.Equal(t, `"500000"`, string(b))
}

// ============================================================================
// Arithmetic
// ============================================================================

func TestWadRoundTrip(t *testing.T) {
	v, _ := new(big.Int).SetString("123456789012345678901", 10)
	amt := fpmath.FromWad(v)
	assert.True(t, amt.Equal(d("123.456789012345678901")))
	assert.Equal(t, 0, fpmath.ToWad(amt).Cmp(v))
}

func TestMulDiv_Truncates(t *testing.T) {
	got := fpmath.MulDiv(d("1"), d("2"), d("3"))
	assert.Equal(t, "0.666666666666666666", got.String())
}

func TestFundingPayment_Sign(t *testing.T) {
	assert.True(t, fpmath.FundingPayment(d("2"), d("1.5")).Equal(d("3")))
	assert.True(t, fpmath.FundingPayment(d("-2"), d("1.5")).Equal(d("-3")))
	assert.True(t, fpmath.FundingPayment(d("2"), d("-1.5")).Equal(d("-3")))
}

func TestInsuranceRateStep(t *testing.T) {
	// target 180, holdings 80, LNV 18000, k 0.5: 0.5*100/18000
	got := fpmath.InsuranceRateStep(d("0.5"), d("180"), d("80"), d("18000"))
	assert.Equal(t, "0.002777777777777777", got.String())

	assert.True(t, fpmath.InsuranceRateStep(d("0.5"), d("180"), d("200"), d("18000")).IsZero())
	assert.True(t, fpmath.InsuranceRateStep(d("0.5"), d("180"), d("0"), d("0")).IsZero())
}

func TestFundingRateStep_NegativeBasis(t *testing.T) {
	// basis -90, D 90: -90 - (-1) = -89, sensitivity 1
	got := fpmath.FundingRateStep(d("100"), d("190"), d("90"), decimal.NewFromInt(1))
	assert.True(t, got.Equal(d("-89")), "got %s", got)
}
