package ordering

import (
	"context"
	"errors"
)

var (
	ErrSemaphoreTimeout     = errors.New("SEMAPHORE_ACQUIRE_TIMEOUT")
	ErrSemaphoreNotAcquired = errors.New("SEMAPHORE_NOT_ACQUIRED")
)

// SemaphoreControl 用 channel 实现的计数信号量，
// 限制同时向 Kafka / 沙箱方向发起的在途调用数量。
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(capacity int) *SemaphoreControl {
	if capacity <= 0 {
		capacity = 100
	}
	return &SemaphoreControl{ch: make(chan struct{}, capacity)}
}

// Acquire 受 ctx 限制的获取；到期返回错误而不是永久阻塞
func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrSemaphoreTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreNotAcquired
	}
}
