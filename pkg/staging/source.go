package staging

import (
	"context"
)

// Source yields the batches a ProducerStep sends downstream. Next returns
// false once the source is exhausted.
type Source[T any] interface {
	Next(ctx context.Context) (batch T, ok bool, err error)
}

// SourceFunc adapts a function to Source.
type SourceFunc[T any] func(ctx context.Context) (T, bool, error)

func (f SourceFunc[T]) Next(ctx context.Context) (T, bool, error) {
	return f(ctx)
}

// SliceSource yields the given batches in order.
func SliceSource[T any](batches ...T) Source[T] {
	i := 0
	return SourceFunc[T](func(ctx context.Context) (T, bool, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, false, context.Cause(ctx)
		}
		if i >= len(batches) {
			return zero, false, nil
		}
		b := batches[i]
		i++
		return b, true, nil
	})
}

// ChanSource yields batches from ch until it is closed.
func ChanSource[T any](ch <-chan T) Source[T] {
	return SourceFunc[T](func(ctx context.Context) (T, bool, error) {
		var zero T
		select {
		case b, ok := <-ch:
			return b, ok, nil
		case <-ctx.Done():
			return zero, false, context.Cause(ctx)
		}
	})
}

// ChunkSource splits items into batches of at most size elements.
func ChunkSource[T any](size int, items []T) Source[[]T] {
	size = max(size, 1)
	offset := 0
	return SourceFunc[[]T](func(ctx context.Context) ([]T, bool, error) {
		if err := ctx.Err(); err != nil {
			return nil, false, context.Cause(ctx)
		}
		if offset >= len(items) {
			return nil, false, nil
		}
		end := min(offset+size, len(items))
		chunk := items[offset:end:end]
		offset = end
		return chunk, true, nil
	})
}
