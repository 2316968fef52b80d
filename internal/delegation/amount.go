package delegation

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
)

// weiPerEther 是 1 ether 对应的 wei 数量。
var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// etherDecimals 为 ether 的小数位数。
const etherDecimals = 18

// maxEtherDigits 覆盖 2^256-1 wei 的整数部分位数，更长的输入无需解析即可拒绝。
const maxEtherDigits = 60

// ParseEther 将十进制的 ether 金额（如 "2.5"）精确转换为 wei。
// 只接受 "整数[.小数]" 形式，小数最多 18 位，结果不得超过 2^256-1 wei。
// 指数、分数、十六进制与负数都会被拒绝，不经过浮点运算。
func ParseEther(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("金额不能为空")
	}
	whole, frac, hasDot := strings.Cut(value, ".")
	if !isDigits(whole) || (hasDot && !isDigits(frac)) {
		return nil, fmt.Errorf("无法解析金额 %q，只支持十进制数字", value)
	}
	if len(frac) > etherDecimals {
		return nil, fmt.Errorf("金额精度超过 18 位小数: %s", value)
	}
	if len(strings.TrimLeft(whole, "0")) > maxEtherDigits {
		return nil, fmt.Errorf("金额超出 uint256 范围: %s", value)
	}
	digits := strings.TrimLeft(whole+frac+strings.Repeat("0", etherDecimals-len(frac)), "0")
	if digits == "" {
		return new(big.Int), nil
	}
	wei, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("无法解析金额 %q", value)
	}
	if wei.Cmp(math.MaxBig256) > 0 {
		return nil, fmt.Errorf("金额超出 uint256 范围: %s", value)
	}
	return wei, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FormatEther 将 wei 渲染为去掉尾随零的十进制 ether 字符串。
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	text := new(big.Rat).SetFrac(wei, weiPerEther).FloatString(18)
	text = strings.TrimRight(text, "0")
	return strings.TrimSuffix(text, ".")
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
