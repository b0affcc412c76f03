package orm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventEmitter(t *testing.T) {
	t.Run("listeners run in registration order", func(t *testing.T) {
		var e EventEmitter
		var calls []string
		e.On("x", func(args ...any) { calls = append(calls, "a") })
		e.On("x", func(args ...any) { calls = append(calls, "b") })
		e.On("y", func(args ...any) { calls = append(calls, "y") })

		e.Emit("x")
		assert.Equal(t, []string{"a", "b"}, calls)
		assert.Equal(t, 2, e.ListenerCount("x"))
	})

	t.Run("arguments are passed through", func(t *testing.T) {
		var e EventEmitter
		var got []any
		e.On("set", func(args ...any) { got = args })
		e.Emit("set", "name", 3)
		assert.Equal(t, []any{"name", 3}, got)
	})

	t.Run("off is idempotent", func(t *testing.T) {
		var e EventEmitter
		n := 0
		off := e.On("x", func(...any) { n++ })
		e.On("x", func(...any) { n += 10 })
		off()
		off()
		e.Emit("x")
		assert.Equal(t, 10, n)
		assert.Equal(t, 1, e.ListenerCount("x"))
	})

	t.Run("removal during emit applies to the next emit", func(t *testing.T) {
		var e EventEmitter
		n := 0
		var off func()
		off = e.On("x", func(...any) { n++; off() })
		e.On("x", func(...any) { n++ })
		e.Emit("x")
		e.Emit("x")
		assert.Equal(t, 3, n)
	})

	t.Run("once", func(t *testing.T) {
		var e EventEmitter
		n := 0
		e.Once("x", func(...any) { n++ })
		e.Emit("x")
		e.Emit("x")
		assert.Equal(t, 1, n)
		assert.Equal(t, 0, e.ListenerCount("x"))
	})

	t.Run("concurrent use", func(t *testing.T) {
		var e EventEmitter
		var mu sync.Mutex
		n := 0
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				off := e.On("x", func(...any) {
					mu.Lock()
					n++
					mu.Unlock()
				})
				e.Emit("x")
				off()
			}()
		}
		wg.Wait()
		assert.Equal(t, 0, e.ListenerCount("x"))
		assert.GreaterOrEqual(t, n, 20)
	})
}
