package broker

import (
	"errors"
	"strings"
)

// ErrEmptyPlan 没有任何可尝试的策略
var ErrEmptyPlan = errors.New("broker: no strategy to try")

// AttemptError 记录一次策略尝试的失败
type AttemptError struct {
	Strategy Kind
	Target   string
	Err      error
}

func (e AttemptError) Error() string {
	return e.Strategy.String() + " " + e.Target + ": " + e.Err.Error()
}

func (e AttemptError) Unwrap() error { return e.Err }

// ConnectError 在所有策略都失败后返回，按尝试顺序列出每次失败
type ConnectError struct {
	Attempts []AttemptError
}

func (e *ConnectError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrEmptyPlan.Error()
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return "broker: all strategies failed: " + strings.Join(parts, "; ")
}

func (e *ConnectError) Unwrap() []error {
	if len(e.Attempts) == 0 {
		return []error{ErrEmptyPlan}
	}
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a
	}
	return errs
}
