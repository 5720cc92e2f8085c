/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	"sync"
	"time"

	"github.com/opentimed/ptpd/ptp/port"
)

// timerEvent is what the queue delivers when a deadline fires
type timerEvent struct {
	portNumber uint16
	kind       port.TimerKind
}

type timerKey struct {
	portNumber uint16
	kind       port.TimerKind
}

// timerQueue keeps at most one pending timer per (port, kind) and delivers
// expiries into a channel consumed by the daemon's run loop. Scheduling an
// already pending kind just moves its deadline, which is what the core
// expects from ScheduleTimer actions.
type timerQueue struct {
	mu     sync.Mutex
	timers map[timerKey]*time.Timer
	c      chan timerEvent
}

func newTimerQueue() *timerQueue {
	return &timerQueue{
		timers: map[timerKey]*time.Timer{},
		c:      make(chan timerEvent, 16),
	}
}

// Schedule arms (or re-arms) a timer
func (q *timerQueue) Schedule(portNumber uint16, kind port.TimerKind, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := timerKey{portNumber: portNumber, kind: kind}
	if t, found := q.timers[key]; found {
		t.Stop()
	}
	q.timers[key] = time.AfterFunc(delay, func() {
		q.c <- timerEvent{portNumber: portNumber, kind: kind}
	})
}

// CancelAll drops all pending timers of one port
func (q *timerQueue) CancelAll(portNumber uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for key, t := range q.timers {
		if key.portNumber == portNumber {
			t.Stop()
			delete(q.timers, key)
		}
	}
}

// Close stops everything
func (q *timerQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for key, t := range q.timers {
		t.Stop()
		delete(q.timers, key)
	}
}
