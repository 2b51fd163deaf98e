package shutdown

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPhasesRunInOrder(t *testing.T) {
	m := NewManager()
	var mu sync.Mutex
	var order []string
	rec := func(s string) Handler {
		return func(context.Context) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, s)
		}
	}
	m.OnShutdown(2, "store", rec("store"))
	m.OnShutdown(0, "http", rec("http"))
	m.OnShutdown(1, "engine", rec("engine"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Shutdown(ctx)
	assert.Equal(t, []string{"http", "engine", "store"}, order)
}

func TestShutdownTimeoutSkipsLaterPhases(t *testing.T) {
	m := NewManager()
	ran := false
	m.OnShutdown(0, "slow", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(100 * time.Millisecond)
	})
	m.OnShutdown(1, "late", func(context.Context) { ran = true })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	m.Shutdown(ctx)
	assert.False(t, ran)
}
