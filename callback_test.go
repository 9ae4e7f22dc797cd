package listcore

import (
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()

	one := func() int { return 1 }
	two := func() int { return 2 }

	oneId := callbacks.Add(one)
	twoId := callbacks.Add(two)

	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, []int{1, 2}, values)

	callbacks.Remove(oneId)
	values = values[:0]
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, []int{2}, values)

	// removing twice is a no-op
	callbacks.Remove(oneId)
	callbacks.Remove(twoId)
	assert.Equal(t, 0, len(callbacks.Get()))
}

func TestCallbackListConcurrent(t *testing.T) {
	callbacks := NewCallbackList[func()]()

	wg := sync.WaitGroup{}
	for i := 0; i < 8; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j += 1 {
				callbackId := callbacks.Add(func() {})
				for _, callback := range callbacks.Get() {
					callback()
				}
				callbacks.Remove(callbackId)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, len(callbacks.Get()))
}

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	done := make(chan struct{})
	go func() {
		<-notify
		close(done)
	}()

	monitor.NotifyAll()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("notify did not wake the waiter")
	}

	// the channel after a notify is a fresh one
	next := monitor.NotifyChannel()
	select {
	case <-next:
		t.Fatal("fresh notify channel already closed")
	default:
	}
}
