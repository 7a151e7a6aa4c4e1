package model

import (
	"fmt"
	"math"
	"math/big"
)

// Amount 以最小记账单位 (gwei) 表示金额，避免浮点累积误差。
type Amount int64

// GweiPerUnit 是一个完整货币单位对应的最小单位数。
const GweiPerUnit = 1_000_000_000

// AmountFromUnits 把以货币单位表示的浮点金额四舍五入到最小单位。
func AmountFromUnits(units float64) Amount {
	if units != units || units <= 0 {
		return 0
	}
	v := math.Round(units * GweiPerUnit)
	if v > math.MaxInt64 {
		return Amount(math.MaxInt64)
	}
	return Amount(v)
}

// Units 转换回货币单位，仅用于展示。
func (a Amount) Units() float64 {
	return float64(a) / GweiPerUnit
}

// Wei 返回链上转账使用的 wei 数值。
func (a Amount) Wei() *big.Int {
	v := big.NewInt(int64(a))
	return v.Mul(v, big.NewInt(GweiPerUnit))
}

func (a Amount) String() string {
	return fmt.Sprintf("%.9f", a.Units())
}
