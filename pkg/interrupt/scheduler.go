package interrupt

import (
	"time"
)

// Timer is a cancelable scheduled callback
type Timer interface {
	// Stop prevents the callback from firing. It returns false if it already fired or was stopped.
	Stop() bool
}

// Scheduler runs callbacks after a delay, on its own goroutine
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealScheduler is backed by time.AfterFunc
var RealScheduler Scheduler = realScheduler{}

// pendingTasks tracks outstanding timers so teardown can cancel all of them
type pendingTasks struct {
	nextID int
	timers map[int]Timer
}

func newPendingTasks() *pendingTasks {
	return &pendingTasks{timers: make(map[int]Timer)}
}

// add registers t and returns the key needed to forget it once it fires
func (p *pendingTasks) add(t Timer) int {
	p.nextID++
	p.timers[p.nextID] = t
	return p.nextID
}

func (p *pendingTasks) done(id int) {
	delete(p.timers, id)
}

func (p *pendingTasks) cancelAll() int {
	count := 0
	for id, t := range p.timers {
		if t.Stop() {
			count++
		}
		delete(p.timers, id)
	}
	return count
}

func (p *pendingTasks) len() int {
	return len(p.timers)
}
