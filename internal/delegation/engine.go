package delegation

import "time"

// Evaluate 按顺序求值委托上的全部约束，返回第一个失败的约束。
// 函数不做任何 I/O，也不修改委托。
func Evaluate(d *Delegation, action Action, now time.Time) *Violation {
	if d == nil {
		return nil
	}
	for _, caveat := range d.Caveats {
		if caveat == nil {
			continue
		}
		if v := caveat.check(d, action, now); v != nil {
			return v
		}
	}
	return nil
}
