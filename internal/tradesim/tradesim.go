// Package tradesim implements the trade execution simulator (C6): it turns
// a requested fill into a TradeExecution with slippage and commission
// applied, pairs it with a TradeRecord carrying the higher-level audit
// context, and handles expirations. Grounded directly on
// original_source/src/backtest/engine/trade_simulator.py's TradeSimulator,
// rendered in the teacher's config-struct-with-defaults idiom
// (internal/downloader.Config.withDefaults).
package tradesim

import (
	"strings"
	"time"

	"github.com/aristath/backteng/internal/domain"
)

const (
	defaultSlippagePct       = 0.001
	lowPriceThreshold        = 0.50
	highPriceThreshold       = 5.00
	lowPricePct              = 0.05
	highPricePct             = 0.002
	defaultOptionPerContract = 0.65
	defaultOptionMinPerOrder = 1.00
	defaultStockPerShare     = 0.005
	defaultStockMinPerOrder  = 1.00
	defaultLotSize           = 100
)

// SlippageModel applies a price-tiered percentage slippage to a mid price:
// wider spreads are assumed on cheap options, tighter on expensive ones.
type SlippageModel struct {
	BasePct      float64
	LowPricePct  float64
	HighPricePct float64
}

// DefaultSlippageModel returns the tiered model spec §4.6 describes, with
// basePct applied to the $0.50-$5.00 band.
func DefaultSlippageModel(basePct float64) SlippageModel {
	if basePct <= 0 {
		basePct = defaultSlippagePct
	}
	return SlippageModel{BasePct: basePct, LowPricePct: lowPricePct, HighPricePct: highPricePct}
}

// Calculate returns (fillPrice, slippageAmount) for a fill at mid, applied
// in the direction implied by side: a buy pays up, a sell gives up price.
// fillPrice is clamped at 0.
func (m SlippageModel) Calculate(mid float64, side domain.Side) (float64, float64) {
	if mid <= 0 {
		return mid, 0
	}

	pct := m.BasePct
	switch {
	case mid < lowPriceThreshold:
		pct = m.LowPricePct
	case mid > highPriceThreshold:
		pct = m.HighPricePct
	}

	slippage := mid * pct
	fill := mid - slippage
	if side == domain.Buy {
		fill = mid + slippage
	}
	if fill < 0 {
		fill = 0
	}
	return fill, slippage
}

// CommissionModel prices option and stock legs independently, each with a
// per-unit rate and a per-order floor.
type CommissionModel struct {
	OptionPerContract float64
	OptionMinPerOrder float64
	StockPerShare     float64
	StockMinPerOrder  float64
	MaxCommission     float64 // 0 = uncapped
}

// IBKRTiered returns IBKR's published Tiered-plan rates: $0.65/contract
// ($1.00 floor) for options, $0.005/share ($1.00 floor) for stock.
func IBKRTiered() CommissionModel {
	return CommissionModel{
		OptionPerContract: defaultOptionPerContract,
		OptionMinPerOrder: defaultOptionMinPerOrder,
		StockPerShare:     defaultStockPerShare,
		StockMinPerOrder:  defaultStockMinPerOrder,
	}
}

// ZeroCommission returns a commission-free model, for tests that want to
// isolate slippage effects.
func ZeroCommission() CommissionModel {
	return CommissionModel{}
}

func (m CommissionModel) Option(contracts int64) float64 {
	return m.apply(contracts, m.OptionPerContract, m.OptionMinPerOrder)
}

func (m CommissionModel) Stock(shares int64) float64 {
	return m.apply(shares, m.StockPerShare, m.StockMinPerOrder)
}

func (m CommissionModel) apply(qty int64, perUnit, floor float64) float64 {
	n := qty
	if n < 0 {
		n = -n
	}
	if n == 0 {
		return 0
	}
	commission := float64(n) * perUnit
	if commission < floor {
		commission = floor
	}
	if m.MaxCommission > 0 && commission > m.MaxCommission {
		commission = m.MaxCommission
	}
	return commission
}

// Config wires the two pricing models and the contract multiplier used
// when neither ExecuteOpen/Close/Expire caller overrides it.
type Config struct {
	Slippage   SlippageModel
	Commission CommissionModel
	LotSize    int64
}

func (c Config) withDefaults() Config {
	if c.LotSize <= 0 {
		c.LotSize = defaultLotSize
	}
	return c
}

// Simulator turns requested fills into TradeExecution/TradeRecord pairs.
// Not safe for concurrent use; the executor owns one per backtest run.
type Simulator struct {
	cfg              Config
	executionCounter int64
	executions       []domain.TradeExecution
	records          []domain.TradeRecord
}

func New(cfg Config) *Simulator {
	return &Simulator{cfg: cfg.withDefaults()}
}

// Executions returns every TradeExecution recorded so far, in order.
func (s *Simulator) Executions() []domain.TradeExecution { return s.executions }

// Records returns every TradeRecord recorded so far, in order.
func (s *Simulator) Records() []domain.TradeRecord { return s.records }

// ExecuteOpen prices and records an opening fill. quantity is signed:
// positive buys, negative sells.
func (s *Simulator) ExecuteOpen(req FillRequest) domain.TradeExecution {
	return s.executeFill(req, domain.ActionOpen)
}

// ExecuteClose prices and records a closing fill. Identical mechanics to
// ExecuteOpen; only the audit action and the close_reason_type inference
// differ.
func (s *Simulator) ExecuteClose(req FillRequest) domain.TradeExecution {
	return s.executeFill(req, domain.ActionClose)
}

// FillRequest is the input to ExecuteOpen/ExecuteClose: an order to fill
// at a reference mid price, with the free-text reason close_reason_type is
// inferred from.
type FillRequest struct {
	TradeDate  time.Time
	Symbol     string
	Underlying string
	OptionType domain.OptionType
	Strike     float64
	Expiration time.Time
	Quantity   int64
	MidPrice   float64
	Reason     string
	LotSize    int64 // 0 = use the simulator's default
}

func (s *Simulator) executeFill(req FillRequest, action domain.TradeAction) domain.TradeExecution {
	lotSize := req.LotSize
	if lotSize <= 0 {
		lotSize = s.cfg.LotSize
	}

	side := domain.Sell
	if req.Quantity > 0 {
		side = domain.Buy
	}

	fillPrice, slippage := s.cfg.Slippage.Calculate(req.MidPrice, side)
	commission := s.cfg.Commission.Option(req.Quantity)

	// gross_amount = -quantity*fill_price*lot_size: selling (quantity<0)
	// receives premium, buying pays it.
	gross := -float64(req.Quantity) * fillPrice * float64(lotSize)
	net := gross - commission

	s.executionCounter++
	exec := domain.TradeExecution{
		TradeDate:   req.TradeDate,
		Expiration:  req.Expiration,
		ExecutionID: s.executionCounter,
		Symbol:      req.Symbol,
		Underlying:  req.Underlying,
		OptionType:  req.OptionType,
		Strike:      req.Strike,
		Side:        side,
		Quantity:    req.Quantity,
		LotSize:     lotSize,
		OrderPrice:  req.MidPrice,
		FillPrice:   fillPrice,
		Slippage:    slippage,
		Commission:  commission,
		GrossAmount: gross,
		NetAmount:   net,
		Status:      domain.StatusFilled,
		Reason:      req.Reason,
	}
	s.executions = append(s.executions, exec)

	record := domain.TradeRecord{
		Execution:       exec,
		Action:          action,
		CloseReasonType: inferCloseReasonType(req.Reason, action),
	}
	s.records = append(s.records, record)

	return exec
}

// ExpireRequest is the input to ExecuteExpire: the contract's terminal
// state at expiration, with no mid price since expiration has no market.
type ExpireRequest struct {
	TradeDate       time.Time
	Symbol          string
	Underlying      string
	OptionType      domain.OptionType
	Strike          float64
	Expiration      time.Time
	Quantity        int64
	UnderlyingPrice float64
	LotSize         int64
}

// ExecuteExpire settles a contract at expiration: no slippage, no option
// commission; fill_price is the intrinsic value. An ITM expiration charges
// a stock commission for the implied share leg (assignment/exercise) and
// is classified EXPIRED_ITM; an OTM expiration is free and EXPIRED_WORTHLESS.
func (s *Simulator) ExecuteExpire(req ExpireRequest) domain.TradeExecution {
	lotSize := req.LotSize
	if lotSize <= 0 {
		lotSize = s.cfg.LotSize
	}

	var isITM bool
	var intrinsic float64
	if req.OptionType == domain.Put {
		isITM = req.UnderlyingPrice < req.Strike
		intrinsic = max0(req.Strike - req.UnderlyingPrice)
	} else {
		isITM = req.UnderlyingPrice > req.Strike
		intrinsic = max0(req.UnderlyingPrice - req.Strike)
	}

	side := domain.Sell
	if req.Quantity > 0 {
		side = domain.Buy
	}

	gross := -float64(req.Quantity) * intrinsic * float64(lotSize)

	var commission float64
	var reason string
	var closeReason domain.CloseReasonType
	if isITM {
		shares := req.Quantity * lotSize
		commission = s.cfg.Commission.Stock(shares)
		reason = "assigned"
		closeReason = domain.ExpiredITM
	} else {
		reason = "expired_worthless"
		closeReason = domain.ExpiredWorthless
	}
	net := gross - commission

	s.executionCounter++
	exec := domain.TradeExecution{
		TradeDate:   req.TradeDate,
		Expiration:  req.Expiration,
		ExecutionID: s.executionCounter,
		Symbol:      req.Symbol,
		Underlying:  req.Underlying,
		OptionType:  req.OptionType,
		Strike:      req.Strike,
		Side:        side,
		Quantity:    req.Quantity,
		LotSize:     lotSize,
		OrderPrice:  intrinsic,
		FillPrice:   intrinsic,
		Slippage:    0,
		Commission:  commission,
		GrossAmount: gross,
		NetAmount:   net,
		Status:      domain.StatusFilled,
		Reason:      reason,
	}
	s.executions = append(s.executions, exec)

	record := domain.TradeRecord{
		Execution:       exec,
		Action:          domain.ActionExpire,
		CloseReasonType: closeReason,
	}
	s.records = append(s.records, record)

	return exec
}

// TotalSlippage sums slippage*|quantity|*lot_size across every execution,
// matching the account-level PnL-conservation check (spec §9).
func (s *Simulator) TotalSlippage() float64 {
	var total float64
	for _, e := range s.executions {
		qty := e.Quantity
		if qty < 0 {
			qty = -qty
		}
		total += e.Slippage * float64(qty) * float64(e.LotSize)
	}
	return total
}

// TotalCommission sums commission across every execution.
func (s *Simulator) TotalCommission() float64 {
	var total float64
	for _, e := range s.executions {
		total += e.Commission
	}
	return total
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// inferCloseReasonType derives a structured CloseReasonType from the
// free-text reason on an open/close fill. Expirations classify via their
// own ITM/OTM branch and never call this helper; an open fill has no
// close reason at all.
func inferCloseReasonType(reason string, action domain.TradeAction) domain.CloseReasonType {
	if action == domain.ActionOpen {
		return ""
	}

	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "profit"):
		return domain.ProfitTarget
	case strings.Contains(r, "delta"):
		return domain.StopLossDelta
	case strings.Contains(r, "otm"):
		return domain.StopLossOTM
	case strings.Contains(r, "stop") || strings.Contains(r, "loss"):
		return domain.StopLoss
	case strings.Contains(r, "dte") || strings.Contains(r, "time"):
		return domain.TimeExit
	case strings.Contains(r, "roll"):
		return domain.Roll
	case strings.Contains(r, "close"):
		return domain.ManualClose
	default:
		return domain.UnknownClose
	}
}
