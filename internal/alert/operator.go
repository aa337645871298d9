package alert

import (
	"fmt"
	"math"
)

const equalityEpsilon = 1e-9

// Compare 计算 value <op> threshold
func Compare(op string, value, threshold float64) (bool, error) {
	switch op {
	case ">":
		return value > threshold, nil
	case "<":
		return value < threshold, nil
	case ">=":
		return value >= threshold, nil
	case "<=":
		return value <= threshold, nil
	case "==":
		return math.Abs(value-threshold) <= equalityEpsilon, nil
	case "!=":
		return math.Abs(value-threshold) > equalityEpsilon, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}
