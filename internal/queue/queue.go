// Package queue откладывает распределение собранных пулов: в памяти процесса по таймеру
// или через топик Kafka, переживающий перезапуск.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidMessage возвращается для сообщения, которое нельзя разобрать.
var ErrInvalidMessage = errors.New("invalid allocation message")

// Handler выполняет распределение пула.
type Handler func(ctx context.Context, poolID string) error

// Message задание на распределение пула не раньше NotBefore.
type Message struct {
	PoolID    string    `json:"pool_id"`
	NotBefore time.Time `json:"not_before"`
}

// Encode сериализует сообщение.
func Encode(m Message) ([]byte, error) {
	if m.PoolID == "" {
		return nil, fmt.Errorf("%w: empty pool id", ErrInvalidMessage)
	}
	return json.Marshal(m)
}

// Decode разбирает сообщение.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if m.PoolID == "" {
		return Message{}, fmt.Errorf("%w: empty pool id", ErrInvalidMessage)
	}
	return m, nil
}

// wait блокируется на d или до отмены контекста.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
