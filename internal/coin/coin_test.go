package coin

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddr = "So11111111111111111111111111111111111111112"

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "foo", NormalizeName("Foo"))
	assert.Equal(t, "foo", NormalizeName("foo "))
	assert.Equal(t, "foo", NormalizeName("FOO"))
	assert.Equal(t, "foo bar", NormalizeName("  Foo \t  Bar\n"))
}

func TestPlaceholderName(t *testing.T) {
	assert.Equal(t, "So1111", PlaceholderName(testAddr))
	assert.Equal(t, "abc", PlaceholderName("abc"))
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress(testAddr))
	assert.ErrorIs(t, ValidateAddress(""), ErrInvalidAddress)
	assert.ErrorIs(t, ValidateAddress("not-base58-0OIl"), ErrInvalidAddress)
	assert.ErrorIs(t, ValidateAddress("abc"), ErrInvalidAddress)
}

func TestPaymentTime_SecondsAndMillis(t *testing.T) {
	secs := PaymentTime(1700000000)
	require.NotNil(t, secs)
	assert.Equal(t, int64(1700000000000), secs.UnixMilli())

	ms := PaymentTime(1700000000000)
	require.NotNil(t, ms)
	assert.Equal(t, int64(1700000000000), ms.UnixMilli())

	assert.Nil(t, PaymentTime(0))
	assert.Nil(t, PaymentTime(-5))
}

func TestApplyDexApproval_ComputesApprovalDelay(t *testing.T) {
	created := time.UnixMilli(1699999940000)

	for _, raw := range []int64{1700000000, 1700000000000} {
		c := New(testAddr, created)
		c.CreatedAt = &created

		require.True(t, c.ApplyDexApproval(PaymentTime(raw)))
		assert.Equal(t, DexApproved, c.DexStatus)
		require.NotNil(t, c.DexApprovalMs)
		assert.Equal(t, int64(60000), *c.DexApprovalMs)
	}
}

func TestApplyDexApproval_ClampsNegativeDelay(t *testing.T) {
	created := time.UnixMilli(1700000100000)
	c := New(testAddr, created)
	c.CreatedAt = &created

	require.True(t, c.ApplyDexApproval(PaymentTime(1700000000)))
	require.NotNil(t, c.DexApprovalMs)
	assert.Equal(t, int64(0), *c.DexApprovalMs)
}

func TestDexStatus_Monotonic(t *testing.T) {
	c := New(testAddr, time.Now())
	require.True(t, c.FinalizeDexNone())
	assert.False(t, c.ApplyDexApproval(nil), "none must not become approved")
	assert.Equal(t, DexNone, c.DexStatus)

	c = New(testAddr, time.Now())
	require.True(t, c.ApplyDexApproval(nil))
	assert.False(t, c.FinalizeDexNone(), "approved must not become none")
	assert.Equal(t, DexApproved, c.DexStatus)
}

func TestRaiseATH(t *testing.T) {
	limits := DefaultLimits()
	now := time.Now()

	c := New(testAddr, now)
	c.ATH = decimal.NewFromInt(1000)

	assert.Equal(t, ATHExistingHigher, c.RaiseATH(decimal.NewFromInt(500), "pool", now, limits))
	assert.True(t, c.ATH.Equal(decimal.NewFromInt(1000)))
	assert.NotNil(t, c.ATHCheckedAt)

	assert.Equal(t, ATHHigherFound, c.RaiseATH(decimal.NewFromInt(2000), "pool", now, limits))
	assert.True(t, c.ATH.Equal(decimal.NewFromInt(2000)))

	assert.Equal(t, ATHExceedsLimit, c.RaiseATH(decimal.NewFromInt(6_000_000), "pool", now, limits))
	assert.True(t, c.ATH.Equal(decimal.NewFromInt(2000)))

	fresh := New(testAddr, now)
	assert.Equal(t, ATHNoPrevious, fresh.RaiseATH(decimal.NewFromInt(10), "p", now, limits))
}

func TestSetATH_RejectsAboveCeilingButStamps(t *testing.T) {
	now := time.Now()
	c := New(testAddr, now)

	assert.False(t, c.SetATH(decimal.NewFromInt(6_000_000), "pool", now, DefaultLimits()))
	assert.False(t, c.HasATH())
	require.NotNil(t, c.ATHCheckedAt)

	assert.True(t, c.SetATH(decimal.NewFromInt(42_000), "pool", now, DefaultLimits()))
	assert.Equal(t, "pool", c.ATHPoolAddress)
}

func TestSetATH_NeverLowers(t *testing.T) {
	now := time.Now()
	c := New(testAddr, now)
	require.True(t, c.SetATH(decimal.NewFromInt(1000), "p1", now, DefaultLimits()))

	later := now.Add(time.Minute)
	assert.False(t, c.SetATH(decimal.NewFromInt(500), "p2", later, DefaultLimits()))
	assert.False(t, c.SetATH(decimal.NewFromInt(1000), "p2", later, DefaultLimits()))
	assert.True(t, c.ATH.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, "p1", c.ATHPoolAddress)
	assert.Equal(t, later, *c.ATHCheckedAt)

	assert.True(t, c.SetATH(decimal.NewFromInt(1500), "p2", later, DefaultLimits()))
	assert.Equal(t, "p2", c.ATHPoolAddress)
}

func TestClone_IsDeep(t *testing.T) {
	created := time.Now()
	c := New(testAddr, created)
	c.CreatedAt = &created

	cp := c.Clone()
	later := created.Add(time.Hour)
	*cp.CreatedAt = later

	assert.Equal(t, created, *c.CreatedAt)
}

func TestAge_FallsBackToCaptured(t *testing.T) {
	captured := time.Now()
	c := New(testAddr, captured)
	assert.Equal(t, captured, c.Age())

	created := captured.Add(-time.Minute)
	c.CreatedAt = &created
	assert.Equal(t, created, c.Age())
}
