package notifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifyAllCoalesces(t *testing.T) {
	n := New()
	ch, release := n.Subscribe()
	defer release()

	n.NotifyAll()
	n.NotifyAll()

	<-ch
	select {
	case <-ch:
		t.Fatal("second wakeup should have been coalesced")
	default:
	}
}

func TestReleaseAndClose(t *testing.T) {
	n := New()
	a, releaseA := n.Subscribe()
	b, _ := n.Subscribe()
	assert.Equal(t, 2, n.Len())

	releaseA()
	releaseA()
	_, ok := <-a
	assert.False(t, ok)
	assert.Equal(t, 1, n.Len())

	n.Close()
	_, ok = <-b
	assert.False(t, ok)
	assert.Equal(t, 0, n.Len())

	c, _ := n.Subscribe()
	_, ok = <-c
	assert.False(t, ok, "subscribing after close yields a closed channel")

	var nilNotifier *Notifier
	nilNotifier.NotifyAll()
}
