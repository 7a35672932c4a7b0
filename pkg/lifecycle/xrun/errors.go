package xrun

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrSignal 因收到系统信号而退出，使用 errors.Is 判断
	ErrSignal = errors.New("xrun: received signal")

	// ErrInvalidDelay Timer 的延迟不能为负数
	ErrInvalidDelay = errors.New("xrun: delay must not be negative")

	// ErrNilFunc 任务函数为 nil
	ErrNilFunc = errors.New("xrun: nil function")
)

// SignalError 记录触发退出的信号
//
//	var sigErr *xrun.SignalError
//	if errors.As(err, &sigErr) {
//	    fmt.Println(sigErr.Signal)
//	}
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	if e.Signal == nil {
		return "xrun: received signal <nil>"
	}
	return fmt.Sprintf("xrun: received signal %s", e.Signal)
}

// Unwrap 使 errors.Is(err, ErrSignal) 成立
func (e *SignalError) Unwrap() error { return ErrSignal }
