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

package bmc

import (
	"time"

	ptp "github.com/opentimed/ptpd/ptp/protocol"
)

const (
	// ForeignMasterCapacity is how many foreign masters a port tracks at once.
	// The 6th distinct sender evicts the entry that was seen the longest ago.
	ForeignMasterCapacity = 5
	// foreignMasterTimeWindow is the validity window of announce messages,
	// in announce intervals of the receiving port
	foreignMasterTimeWindow = 4
	// foreignMasterThreshold is how many announce messages have to arrive
	// within the time window for a foreign master to qualify for the BMCA
	foreignMasterThreshold = 2
)

// ForeignMaster is a record of the latest Announce from one sender
type ForeignMaster struct {
	SourcePortIdentity ptp.PortIdentity
	Announce           *ptp.Announce
	LastSeen           time.Time
	// arrival times of recent announces, trimmed to the time window
	arrivals []time.Time
}

func (f *ForeignMaster) prune(now time.Time, window time.Duration) {
	keep := f.arrivals[:0]
	for _, ts := range f.arrivals {
		if now.Sub(ts) < window {
			keep = append(keep, ts)
		}
	}
	f.arrivals = keep
}

// Qualified reports whether enough announces arrived within the window
func (f *ForeignMaster) Qualified(now time.Time, window time.Duration) bool {
	f.prune(now, window)
	return len(f.arrivals) >= foreignMasterThreshold
}

// ForeignMasterList is a per-port bounded table of foreign master records.
// It is only ever accessed from the task driving the port, no locking.
type ForeignMasterList struct {
	ownPortIdentity  ptp.PortIdentity
	announceInterval time.Duration
	masters          []*ForeignMaster
}

// NewForeignMasterList creates an empty table for a port with a given announce interval
func NewForeignMasterList(ownPortIdentity ptp.PortIdentity, announceInterval time.Duration) *ForeignMasterList {
	return &ForeignMasterList{
		ownPortIdentity:  ownPortIdentity,
		announceInterval: announceInterval,
	}
}

// SetAnnounceInterval updates the validity window after a config change
func (l *ForeignMasterList) SetAnnounceInterval(interval time.Duration) {
	l.announceInterval = interval
}

func (l *ForeignMasterList) window() time.Duration {
	return foreignMasterTimeWindow * l.announceInterval
}

// Register stores the announce in the table. Messages originating from our
// own port are ignored. A repeat of the same sequence number from the same
// sender within one announce interval simply replaces the stored announce.
func (l *ForeignMasterList) Register(announce *ptp.Announce, now time.Time) {
	if announce.SourcePortIdentity == l.ownPortIdentity {
		return
	}
	for _, f := range l.masters {
		if f.SourcePortIdentity == announce.SourcePortIdentity {
			repeat := f.Announce != nil && f.Announce.SequenceID == announce.SequenceID &&
				now.Sub(f.LastSeen) < l.announceInterval
			f.Announce = announce
			f.LastSeen = now
			if !repeat {
				f.arrivals = append(f.arrivals, now)
			}
			f.prune(now, l.window())
			return
		}
	}
	f := &ForeignMaster{
		SourcePortIdentity: announce.SourcePortIdentity,
		Announce:           announce,
		LastSeen:           now,
		arrivals:           []time.Time{now},
	}
	if len(l.masters) >= ForeignMasterCapacity {
		l.evictOldest()
	}
	l.masters = append(l.masters, f)
}

func (l *ForeignMasterList) evictOldest() {
	oldest := 0
	for i, f := range l.masters {
		if f.LastSeen.Before(l.masters[oldest].LastSeen) {
			oldest = i
		}
	}
	l.masters = append(l.masters[:oldest], l.masters[oldest+1:]...)
}

// expire drops records whose last announce is older than the window
func (l *ForeignMasterList) expire(now time.Time) {
	keep := l.masters[:0]
	for _, f := range l.masters {
		if now.Sub(f.LastSeen) < l.window() {
			keep = append(keep, f)
		}
	}
	l.masters = keep
}

// Qualified returns announces of all foreign masters eligible for a BMCA run
func (l *ForeignMasterList) Qualified(now time.Time) []*ptp.Announce {
	l.expire(now)
	res := []*ptp.Announce{}
	for _, f := range l.masters {
		if f.Qualified(now, l.window()) {
			res = append(res, f.Announce)
		}
	}
	return res
}

// Best returns Erbest: the best qualified announce of this port, nil if none
func (l *ForeignMasterList) Best(now time.Time) *ptp.Announce {
	var best *ptp.Announce
	for _, msg := range l.Qualified(now) {
		if Better(msg, best) {
			best = msg
		}
	}
	return best
}

// Remove drops the record of one sender, used when the selected master
// times out and must not win the next BMCA run
func (l *ForeignMasterList) Remove(identity ptp.PortIdentity) {
	keep := l.masters[:0]
	for _, f := range l.masters {
		if f.SourcePortIdentity != identity {
			keep = append(keep, f)
		}
	}
	l.masters = keep
}

// Len returns the number of tracked foreign masters
func (l *ForeignMasterList) Len() int {
	return len(l.masters)
}

// Clear drops all records, used when the port leaves the active states
func (l *ForeignMasterList) Clear() {
	l.masters = nil
}
