package tx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	trx := New()
	assert.Equal(t, StatusInitial, trx.Status)
	assert.Equal(t, -1, trx.Priority)
	assert.Equal(t, -1, trx.Unlock)
	assert.Equal(t, int64(-1), trx.Block)
	assert.Empty(t, trx.Operations)
}

func TestAddPaymentBackfill(t *testing.T) {
	trx := New()
	op := trx.AddPayment("GA", "GB", "native", 100, "", "77")
	require.Len(t, trx.Operations, 1)

	// the returned pointer aliases the stored leg
	op.Fee = 5
	op.ID = "op-1"
	assert.Equal(t, int64(5), trx.Operations[0].Fee)
	assert.Equal(t, "op-1", trx.Operations[0].ID)
}

func TestAmountAndFees(t *testing.T) {
	trx := New()
	trx.AddPayment("GA", "GB", "native", 100, "", "")
	trx.AddPayment("GA", "GC", "native", 250, "", "")
	trx.Operations[0].Fee = 10
	trx.Operations[1].Fee = 10

	assert.Equal(t, int64(350), trx.Amount())
	assert.Equal(t, int64(20), trx.Fees())
}

func TestOperationEq(t *testing.T) {
	a := Operation{From: "GA", To: "GB", PaymentID: "1", SourcePaymentID: "2", Amount: 100, Fee: 1, ID: "x"}
	b := Operation{From: "GA", To: "GB", PaymentID: "1", SourcePaymentID: "2", Amount: 999, Fee: 7}

	// amount, fee and id do not participate
	assert.True(t, a.Eq(b))

	b.PaymentID = "3"
	assert.False(t, a.Eq(b))
}

func TestDWHW(t *testing.T) {
	sweep := New()
	sweep.AddPayment("GA", "GA", "native", 100, "55", "")
	sweep.AddPayment("GA", "GA", "native", 200, "56", "")
	assert.True(t, sweep.DWHW())

	empty := New()
	assert.False(t, empty.DWHW())

	external := New()
	external.AddPayment("GA", "GB", "native", 100, "55", "")
	assert.False(t, external.DWHW())

	noTag := New()
	noTag.AddPayment("GA", "GA", "native", 100, "", "")
	assert.False(t, noTag.DWHW())

	tagged := New()
	tagged.AddPayment("GA", "GA", "native", 100, "55", "66")
	assert.False(t, tagged.DWHW())

	mixed := New()
	mixed.AddPayment("GA", "GA", "native", 100, "55", "")
	mixed.AddPayment("GA", "GB", "native", 100, "55", "")
	assert.False(t, mixed.DWHW())
}

func TestSourceAndDestinationAmount(t *testing.T) {
	trx := New()
	trx.AddPayment("GA", "GB", "native", 100, "", "")
	trx.AddPayment("GC", "GB", "native", 200, "", "")

	assert.Equal(t, int64(100), trx.SourceAmount("GA"))
	assert.Equal(t, int64(200), trx.SourceAmount("GC"))
	assert.Equal(t, int64(0), trx.SourceAmount("GZ"))
	assert.Equal(t, int64(100), trx.DestinationAmount("GB"))
	assert.Equal(t, int64(0), trx.DestinationAmount("GA"))
}

func TestNeedsBounce(t *testing.T) {
	trx := New()
	assert.False(t, trx.NeedsBounce(), "nil means not a candidate")

	trx.Bounced = Uint32Ptr(0)
	assert.True(t, trx.NeedsBounce(), "zero means owed")

	trx.Bounced = Uint32Ptr(12345)
	assert.False(t, trx.NeedsBounce(), "non-zero means covered")
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusInitial.Terminal())
	assert.False(t, StatusSent.Terminal())
	assert.False(t, StatusLocked.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}
