package persist

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

func encode[T any](item T) ([]byte, error) {
	b, err := msgpack.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to encode item: %w", err)
	}
	return b, nil
}

func decode[T any](b []byte) (T, error) {
	var item T
	if err := msgpack.Unmarshal(b, &item); err != nil {
		return item, fmt.Errorf("failed to decode item: %w", err)
	}
	return item, nil
}

// Record pairs a stored item with its key.
type Record[T any] struct {
	Key  string
	Item T
}
