// 文件: pkg/safemath/math.go
// 定点数安全运算
//
// 【为什么需要这个包】
// 仓位账本的所有金额都是 int64 定点数 (×1e8)，
// size × priceDelta 这类乘积会超出 int64 范围。
// Go 的整数运算溢出是静默回绕的，金融系统绝对不能接受，
// 所以所有账本内的运算必须走这里的检查版本：
// 溢出/负数下溢返回 ErrArithmetic，由调用方整体回滚。

package safemath

import (
	"errors"
	"math"
	"math/bits"
)

// ErrArithmetic 定点数运算失败 (溢出 / 下溢 / 除零)
var ErrArithmetic = errors.New("fixed-point arithmetic overflow")

// Add int64 加法，溢出返回 ErrArithmetic
func Add(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrArithmetic
	}
	return a + b, nil
}

// Sub int64 减法，溢出返回 ErrArithmetic
func Sub(a, b int64) (int64, error) {
	if (b > 0 && a < math.MinInt64+b) || (b < 0 && a > math.MaxInt64+b) {
		return 0, ErrArithmetic
	}
	return a - b, nil
}

// SubUnsigned 非负减法: a - b，要求 a >= b >= 0
// 账本里 "金额减金额" 都必须用这个，结果为负说明状态非法
func SubUnsigned(a, b int64) (int64, error) {
	if a < 0 || b < 0 || a < b {
		return 0, ErrArithmetic
	}
	return a - b, nil
}

// Mul int64 乘法，溢出返回 ErrArithmetic
func Mul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a > 0 {
		if b > 0 {
			if a > math.MaxInt64/b {
				return 0, ErrArithmetic
			}
		} else {
			if b < math.MinInt64/a {
				return 0, ErrArithmetic
			}
		}
	} else {
		if b > 0 {
			if a < math.MinInt64/b {
				return 0, ErrArithmetic
			}
		} else {
			if a < math.MaxInt64/b {
				return 0, ErrArithmetic
			}
		}
	}
	return a * b, nil
}

// Div int64 除法，向零截断，除零返回 ErrArithmetic
func Div(a, b int64) (int64, error) {
	if b == 0 {
		return 0, ErrArithmetic
	}
	// MinInt64 / -1 同样溢出
	if a == math.MinInt64 && b == -1 {
		return 0, ErrArithmetic
	}
	return a / b, nil
}

// MulDiv 计算 a × b / c，中间结果走 128 位，最终结果必须装回 int64
//
// 【核心运算】
// size × priceDelta / averagePrice 这类公式的中间积最大可达 1e28，
// 远超 int64。这里用 bits.Mul64 做 128 位乘法，再用 bits.Div64 除回来。
// 除法是截断 (floor toward zero) 语义，和资金费结算的取整要求一致。
func MulDiv(a, b, c int64) (int64, error) {
	if c == 0 {
		return 0, ErrArithmetic
	}

	// 符号拆出来，绝对值走无符号 128 位运算
	neg := false
	ua, ub, uc := abs64(a, &neg), abs64(b, &neg), abs64(c, &neg)

	hi, lo := bits.Mul64(ua, ub)
	if hi >= uc {
		// 商 >= 2^64，必然装不下
		return 0, ErrArithmetic
	}
	quo, _ := bits.Div64(hi, lo, uc)

	if neg {
		if quo > uint64(math.MaxInt64)+1 {
			return 0, ErrArithmetic
		}
		if quo == uint64(math.MaxInt64)+1 {
			return math.MinInt64, nil
		}
		return -int64(quo), nil
	}
	if quo > uint64(math.MaxInt64) {
		return 0, ErrArithmetic
	}
	return int64(quo), nil
}

// abs64 取绝对值并翻转符号标记
func abs64(v int64, neg *bool) uint64 {
	if v < 0 {
		*neg = !*neg
		if v == math.MinInt64 {
			return uint64(math.MaxInt64) + 1
		}
		return uint64(-v)
	}
	return uint64(v)
}

// Abs int64 绝对值 (MinInt64 返回 ErrArithmetic)
func Abs(v int64) (int64, error) {
	if v == math.MinInt64 {
		return 0, ErrArithmetic
	}
	if v < 0 {
		return -v, nil
	}
	return v, nil
}
