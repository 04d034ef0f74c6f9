// Package fixedpoint 把链上/索引器返回的定点整数转换为 decimal.Decimal。
// 所有比较与格式化都走 decimal，不经过 float64。
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrMalformed 原始数值不是合法的十进制整数。
var ErrMalformed = errors.New("malformed fixed-point value")

// FromRaw 将 raw * 10^-scale 转为 decimal；raw 为 nil 时返回 0。
func FromRaw(raw *big.Int, scale int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -scale)
}

// FromUint64 适用于 ABI 中的 u64 字段。
func FromUint64(v uint64, scale int32) decimal.Decimal {
	return FromRaw(new(big.Int).SetUint64(v), scale)
}

// FromSignedMagnitude 解码 {value, negative} 形式的有符号整数。
func FromSignedMagnitude(value *big.Int, negative bool, scale int32) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	v := new(big.Int).Set(value)
	if negative {
		v.Neg(v)
	}
	return FromRaw(v, scale)
}

// FromRawString 解析索引器返回的整数字符串，仅接受可选负号 + 数字。
func FromRawString(s string, scale int32) (decimal.Decimal, error) {
	raw, err := ParseInt(s)
	if err != nil {
		return decimal.Zero, err
	}
	return FromRaw(raw, scale), nil
}

// ParseInt 严格解析十进制整数（不接受小数点、指数、前后空白）。
func ParseInt(s string) (*big.Int, error) {
	digits := strings.TrimPrefix(s, "-")
	if digits == "" {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w: %q", ErrMalformed, s)
		}
	}
	raw, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return raw, nil
}

// ToRaw 是 FromRaw 的逆操作，超出 scale 的部分向零截断。
func ToRaw(d decimal.Decimal, scale int32) *big.Int {
	return d.Shift(scale).Truncate(0).BigInt()
}

// Percent 返回 part / whole * 100，保留 places 位；whole 为 0 时返回 0。
func Percent(part, whole decimal.Decimal, places int32) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Mul(decimal.NewFromInt(100)).DivRound(whole, places+8).Round(places)
}

// Format 固定小数位输出，0 输出为 "0.00" 这类形式。
func Format(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

// FormatNull 空值输出空字符串。
func FormatNull(d decimal.NullDecimal, places int32) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.StringFixed(places)
}
