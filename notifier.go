package daqcore

import (
	"log"
	"sync"
)

// notifier wakes every goroutine waiting for the next event. Each broadcast
// closes the current channel and replaces it with a fresh one.
type notifier struct {
	lock sync.Mutex
	ch   chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

// wait returns a channel that is closed at the next broadcast.
func (n *notifier) wait() <-chan struct{} {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.ch
}

func (n *notifier) broadcast() {
	n.lock.Lock()
	close(n.ch)
	n.ch = make(chan struct{})
	n.lock.Unlock()
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
		log.Println("warning: tried to close an abort channel twice")
	default:
		close(c)
	}
}
