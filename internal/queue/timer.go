package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrClosed возвращается при планировании после Close.
var ErrClosed = errors.New("dispatcher closed")

// TimerDispatcher запускает распределение по таймеру внутри процесса.
// Задания теряются при перезапуске, их подбирает периодическая сверка собранных пулов.
type TimerDispatcher struct {
	handler Handler
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	closed  bool
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewTimerDispatcher создаёт диспетчер. timeout ограничивает время одного запуска handler.
func NewTimerDispatcher(handler Handler, timeout time.Duration, logger *zap.Logger) *TimerDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &TimerDispatcher{
		handler: handler,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
		pending: map[string]*time.Timer{},
	}
}

// ScheduleAllocation планирует запуск handler для пула. Повторное планирование того же пула,
// пока предыдущее задание ожидает, игнорируется.
func (d *TimerDispatcher) ScheduleAllocation(_ context.Context, poolID string, notBefore time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if _, ok := d.pending[poolID]; ok {
		return nil
	}

	d.wg.Add(1)
	d.pending[poolID] = time.AfterFunc(notBefore.Sub(d.now()), func() {
		defer d.wg.Done()
		d.run(poolID)
	})
	return nil
}

func (d *TimerDispatcher) run(poolID string) {
	d.mu.Lock()
	delete(d.pending, poolID)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.handler(ctx, poolID); err != nil {
		d.logger.Error("allocation failed", zap.Error(err), zap.String("pool_id", poolID))
		return
	}
	d.logger.Info("allocation completed", zap.String("pool_id", poolID))
}

// Close отменяет ожидающие задания и дожидается уже запущенных.
func (d *TimerDispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	for id, t := range d.pending {
		if t.Stop() {
			d.wg.Done()
		}
		delete(d.pending, id)
	}
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}
