package loop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPostRunsInOrder(t *testing.T) {
	l := New()
	go l.Run()
	defer l.Stop()

	var got []int
	for i := 0; i < 10; i++ {
		n := i
		l.Post(func() { got = append(got, n) })
	}
	l.Sync(func() {})

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestIdleCallbackRunsWhenQueueDrains(t *testing.T) {
	l := New()
	go l.Run()
	defer l.Stop()

	var fired atomic.Int32
	l.RegisterIdle("tick", func() { fired.Add(1) })

	assert.Eventually(t, func() bool { return fired.Load() > 0 },
		time.Second, 10*time.Millisecond)

	l.UnregisterIdle("tick")
	l.Sync(func() {})
	after := fired.Load()
	time.Sleep(150 * time.Millisecond)
	assert.LessOrEqual(t, fired.Load(), after+1, "unregistered callbacks stop firing")
}

func TestStopUnblocksSync(t *testing.T) {
	l := New()
	go l.Run()
	l.Stop()

	done := make(chan struct{})
	go func() {
		l.Sync(func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sync should not hang after Stop")
	}
}
