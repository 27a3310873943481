package tradesim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/backteng/internal/domain"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func testConfig() Config {
	return Config{
		Slippage:   DefaultSlippageModel(0.001),
		Commission: IBKRTiered(),
		LotSize:    100,
	}
}

func TestSlippageModelTiersByPrice(t *testing.T) {
	m := DefaultSlippageModel(0.001)

	fill, slip := m.Calculate(0.30, domain.Sell)
	assert.InDelta(t, 0.30-0.30*0.05, fill, 1e-9)
	assert.InDelta(t, 0.30*0.05, slip, 1e-9)

	fill, slip = m.Calculate(3.50, domain.Buy)
	assert.InDelta(t, 3.50+3.50*0.001, fill, 1e-9)
	assert.InDelta(t, 3.50*0.001, slip, 1e-9)

	fill, slip = m.Calculate(10.0, domain.Sell)
	assert.InDelta(t, 10.0-10.0*0.002, fill, 1e-9)
	assert.InDelta(t, 10.0*0.002, slip, 1e-9)
}

func TestSlippageClampsAtZero(t *testing.T) {
	m := SlippageModel{BasePct: 0.001, LowPricePct: 1.5, HighPricePct: 0.002}
	fill, _ := m.Calculate(0.01, domain.Sell)
	assert.Equal(t, 0.0, fill)
}

func TestCommissionModelAppliesFloor(t *testing.T) {
	m := IBKRTiered()
	assert.Equal(t, 1.00, m.Option(1))
	assert.InDelta(t, 1.30, m.Option(2), 1e-9)
	assert.Equal(t, 1.00, m.Stock(50))
	assert.InDelta(t, 2.50, m.Stock(500), 1e-9)
}

func TestZeroCommissionModel(t *testing.T) {
	m := ZeroCommission()
	assert.Equal(t, 0.0, m.Option(10))
	assert.Equal(t, 0.0, m.Stock(1000))
}

func TestExecuteOpenSellComputesPremiumReceived(t *testing.T) {
	s := New(testConfig())
	exec := s.ExecuteOpen(FillRequest{
		TradeDate:  date("2024-02-01"),
		Symbol:     "AAPL240315P00150000",
		Underlying: "AAPL",
		OptionType: domain.Put,
		Strike:     150,
		Expiration: date("2024-03-15"),
		Quantity:   -1,
		MidPrice:   3.50,
		Reason:     "screening_signal",
	})

	assert.Equal(t, domain.Sell, exec.Side)
	assert.Less(t, exec.FillPrice, 3.50, "selling should give up price to slippage")
	assert.Greater(t, exec.GrossAmount, 0.0, "selling receives premium")
	assert.InDelta(t, exec.GrossAmount-exec.Commission, exec.NetAmount, 1e-9)
	assert.Equal(t, int64(1), exec.ExecutionID)

	require.Len(t, s.Records(), 1)
	assert.Equal(t, domain.ActionOpen, s.Records()[0].Action)
	assert.Equal(t, domain.CloseReasonType(""), s.Records()[0].CloseReasonType)
}

func TestExecuteOpenBuyComputesPremiumPaid(t *testing.T) {
	s := New(testConfig())
	exec := s.ExecuteOpen(FillRequest{
		TradeDate:  date("2024-02-01"),
		Underlying: "AAPL",
		OptionType: domain.Call,
		Strike:     160,
		Expiration: date("2024-03-15"),
		Quantity:   2,
		MidPrice:   2.00,
		Reason:     "open",
	})

	assert.Equal(t, domain.Buy, exec.Side)
	assert.Greater(t, exec.FillPrice, 2.00, "buying should pay up for slippage")
	assert.Less(t, exec.GrossAmount, 0.0, "buying pays premium")
}

func TestExecuteCloseInfersCloseReasonType(t *testing.T) {
	cases := []struct {
		reason string
		want   domain.CloseReasonType
	}{
		{"take_profit", domain.ProfitTarget},
		{"delta breach", domain.StopLossDelta},
		{"otm stop", domain.StopLossOTM},
		{"stop_loss triggered", domain.StopLoss},
		{"dte exit", domain.TimeExit},
		{"rolled to next month", domain.Roll},
		{"manual close", domain.ManualClose},
		{"something else entirely", domain.UnknownClose},
	}

	for _, c := range cases {
		s := New(testConfig())
		s.ExecuteClose(FillRequest{
			TradeDate:  date("2024-03-01"),
			Underlying: "AAPL",
			OptionType: domain.Put,
			Strike:     150,
			Expiration: date("2024-03-15"),
			Quantity:   1,
			MidPrice:   1.00,
			Reason:     c.reason,
		})
		require.Len(t, s.Records(), 1)
		assert.Equal(t, c.want, s.Records()[0].CloseReasonType, "reason=%q", c.reason)
		assert.Equal(t, domain.ActionClose, s.Records()[0].Action)
	}
}

func TestExecuteExpireWorthless(t *testing.T) {
	s := New(testConfig())
	exec := s.ExecuteExpire(ExpireRequest{
		TradeDate:       date("2024-03-15"),
		Underlying:      "AAPL",
		OptionType:      domain.Put,
		Strike:          150,
		Expiration:      date("2024-03-15"),
		Quantity:        -1,
		UnderlyingPrice: 160,
	})

	assert.Equal(t, 0.0, exec.FillPrice)
	assert.Equal(t, 0.0, exec.Slippage)
	assert.Equal(t, 0.0, exec.Commission)
	assert.Equal(t, "expired_worthless", exec.Reason)

	require.Len(t, s.Records(), 1)
	assert.Equal(t, domain.ExpiredWorthless, s.Records()[0].CloseReasonType)
	assert.Equal(t, domain.ActionExpire, s.Records()[0].Action)
}

func TestExecuteExpireITMChargesStockCommission(t *testing.T) {
	s := New(testConfig())
	exec := s.ExecuteExpire(ExpireRequest{
		TradeDate:       date("2024-03-15"),
		Underlying:      "AAPL",
		OptionType:      domain.Put,
		Strike:          150,
		Expiration:      date("2024-03-15"),
		Quantity:        -1,
		UnderlyingPrice: 145,
	})

	assert.Equal(t, 5.0, exec.FillPrice, "intrinsic = strike - underlying for an ITM put")
	assert.Greater(t, exec.Commission, 0.0, "assignment charges a stock commission")
	assert.Equal(t, "assigned", exec.Reason)

	require.Len(t, s.Records(), 1)
	assert.Equal(t, domain.ExpiredITM, s.Records()[0].CloseReasonType)
}

func TestExecuteExpireITMCall(t *testing.T) {
	s := New(testConfig())
	exec := s.ExecuteExpire(ExpireRequest{
		TradeDate:       date("2024-03-15"),
		Underlying:      "AAPL",
		OptionType:      domain.Call,
		Strike:          150,
		Expiration:      date("2024-03-15"),
		Quantity:        -1,
		UnderlyingPrice: 160,
	})
	assert.Equal(t, 10.0, exec.FillPrice, "intrinsic = underlying - strike for an ITM call")
	assert.Equal(t, "assigned", exec.Reason)
}

func TestTotalSlippageAndCommissionAccumulate(t *testing.T) {
	s := New(testConfig())
	s.ExecuteOpen(FillRequest{TradeDate: date("2024-02-01"), Quantity: -1, MidPrice: 3.50, Reason: "open"})
	s.ExecuteClose(FillRequest{TradeDate: date("2024-02-10"), Quantity: 1, MidPrice: 1.00, Reason: "take_profit"})

	assert.Greater(t, s.TotalSlippage(), 0.0)
	assert.Greater(t, s.TotalCommission(), 0.0)
}

func TestExecuteOpenRespectsPerCallLotSizeOverride(t *testing.T) {
	s := New(testConfig())
	exec := s.ExecuteOpen(FillRequest{
		TradeDate: date("2024-02-01"),
		Quantity:  -1,
		MidPrice:  3.50,
		Reason:    "open",
		LotSize:   10,
	})
	assert.Equal(t, int64(10), exec.LotSize)
}
