// internal/monitoring/events.go - Internal event queue and periodic timers
package monitoring

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type EventType int

const (
	EventQuit EventType = iota
	EventTimer
	EventReload
)

func (t EventType) String() string {
	switch t {
	case EventQuit:
		return "quit"
	case EventTimer:
		return "timer"
	case EventReload:
		return "reload"
	}
	return "unknown"
}

type TimerID int

const (
	TimerPurge TimerID = iota + 1
	TimerSysinfo
)

func (id TimerID) String() string {
	switch id {
	case TimerPurge:
		return "purge"
	case TimerSysinfo:
		return "sysinfo"
	}
	return "unknown"
}

type Event struct {
	Type  EventType
	Timer TimerID
}

const eventQueueSize = 64

// ticker posts a timer event at every interval until stopped.
type ticker struct {
	id       TimerID
	interval time.Duration
	stop     chan struct{}
	done     sync.WaitGroup
}

func startTicker(id TimerID, interval time.Duration, post func(Event) bool) *ticker {
	t := &ticker{
		id:       id,
		interval: interval,
		stop:     make(chan struct{}),
	}

	t.done.Add(1)
	go func() {
		defer t.done.Done()
		tk := time.NewTicker(interval)
		defer tk.Stop()

		for {
			select {
			case <-t.stop:
				return
			case <-tk.C:
				post(Event{Type: EventTimer, Timer: id})
			}
		}
	}()

	logrus.WithFields(logrus.Fields{
		"timer":    id.String(),
		"interval": interval,
	}).Debug("Started timer")
	return t
}

func (t *ticker) Stop() {
	close(t.stop)
	t.done.Wait()
}
