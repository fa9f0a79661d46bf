package queue

import (
	"context"
	"sync"
	"time"
)

// FakeEnqueuer 测试用的内存队列, 记录每次投递
type FakeEnqueuer struct {
	mu       sync.Mutex
	enqueued []EnqueuedTask
	failWith error
}

type EnqueuedTask struct {
	Payload PipelinePayload
	Delay   time.Duration
}

func NewFake() *FakeEnqueuer {
	return &FakeEnqueuer{}
}

func (f *FakeEnqueuer) EnqueueJob(_ context.Context, payload PipelinePayload, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.enqueued = append(f.enqueued, EnqueuedTask{Payload: payload, Delay: delay})
	return nil
}

func (f *FakeEnqueuer) Close() error { return nil }

// Enqueued 返回投递记录的副本
func (f *FakeEnqueuer) Enqueued() []EnqueuedTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EnqueuedTask, len(f.enqueued))
	copy(out, f.enqueued)
	return out
}

func (f *FakeEnqueuer) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = nil
}

// FailWith 让后续投递返回指定错误
func (f *FakeEnqueuer) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}
