package match

import "github.com/shopspring/decimal"

// FeeBreakdown carries absolute fee amounts for one execution. A maker
// rebate reduces the effective maker fee and may drive it negative.
type FeeBreakdown struct {
	MakerFee    decimal.Decimal
	TakerFee    decimal.Decimal
	MakerRebate decimal.Decimal
}

// FeeModel is invoked once per trade with the execution price and
// quantity. The engine runs fee-free when no model is attached.
type FeeModel interface {
	CalculateFees(symbol string, price, quantity decimal.Decimal) FeeBreakdown
}

// StaticFeeModel charges flat basis-point rates on the trade notional.
type StaticFeeModel struct {
	MakerRate       decimal.Decimal
	TakerRate       decimal.Decimal
	MakerRebateRate decimal.Decimal
}

// NewStaticFeeModel returns the default schedule: 0.1% maker, 0.2%
// taker, no rebate.
func NewStaticFeeModel() *StaticFeeModel {
	return &StaticFeeModel{
		MakerRate: decimal.NewFromFloat(0.001),
		TakerRate: decimal.NewFromFloat(0.002),
	}
}

// CalculateFees applies the schedule to price * quantity.
func (m *StaticFeeModel) CalculateFees(symbol string, price, quantity decimal.Decimal) FeeBreakdown {
	notional := price.Mul(quantity)
	return FeeBreakdown{
		MakerFee:    notional.Mul(m.MakerRate),
		TakerFee:    notional.Mul(m.TakerRate),
		MakerRebate: notional.Mul(m.MakerRebateRate),
	}
}
