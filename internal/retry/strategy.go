package retry

import (
	"fmt"
	"math"
	"time"
)

// Strategy — способ вычисления задержки до следующей попытки.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// maxShift ограничивает степень двойки.
const maxShift = 30

// DefaultMaxDelay — потолок задержки, если у задачи не задан свой MaxDelay.
const DefaultMaxDelay = 24 * time.Hour

// Validate проверяет, что стратегия известна.
func (s Strategy) Validate() error {
	switch s {
	case StrategyFixed, StrategyLinear, StrategyExponential:
		return nil
	default:
		return fmt.Errorf("unknown retry strategy %q", s)
	}
}

// Delay возвращает задержку перед попыткой после attempt неудач.
//   fixed:       base
//   linear:      base * (attempt + 1)
//   exponential: base * 2^attempt
// Результат не больше maxDelay, а при maxDelay <= 0 — не больше DefaultMaxDelay.
func (s Strategy) Delay(base time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if base <= 0 {
		return 0
	}

	var d time.Duration
	switch s {
	case StrategyLinear:
		n := time.Duration(attempt + 1)
		if base > math.MaxInt64/n {
			return maxDelay
		}
		d = base * n
	case StrategyExponential:
		shift := min(attempt, maxShift)
		if base > math.MaxInt64>>shift {
			return maxDelay
		}
		d = base << shift
	default:
		d = base
	}

	return min(d, maxDelay)
}
