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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ptp "github.com/opentimed/ptpd/ptp/protocol"
)

var ownPort = ptp.PortIdentity{ClockIdentity: 0xff, PortNumber: 1}

func sender(id ptp.ClockIdentity) ptp.PortIdentity {
	return ptp.PortIdentity{ClockIdentity: id, PortNumber: 1}
}

func TestForeignMasterQualification(t *testing.T) {
	l := NewForeignMasterList(ownPort, time.Second)
	now := time.Unix(1000, 0)

	a := announce(0x1, 128, ptp.ClockClassDefault, sender(0x1))
	a.SequenceID = 1
	l.Register(a, now)
	// a single announce doesn't qualify yet
	assert.Empty(t, l.Qualified(now))

	a2 := announce(0x1, 128, ptp.ClockClassDefault, sender(0x1))
	a2.SequenceID = 2
	l.Register(a2, now.Add(time.Second))
	got := l.Qualified(now.Add(time.Second))
	require.Len(t, got, 1)
	assert.Equal(t, a2, got[0])
}

func TestForeignMasterDuplicateSequence(t *testing.T) {
	l := NewForeignMasterList(ownPort, time.Second)
	now := time.Unix(1000, 0)

	a := announce(0x1, 128, ptp.ClockClassDefault, sender(0x1))
	a.SequenceID = 7
	l.Register(a, now)
	dup := announce(0x1, 64, ptp.ClockClassDefault, sender(0x1))
	dup.SequenceID = 7
	l.Register(dup, now.Add(100*time.Millisecond))

	// the duplicate replaced the stored announce but doesn't count as a
	// second arrival
	assert.Empty(t, l.Qualified(now.Add(100*time.Millisecond)))
	assert.Equal(t, 1, l.Len())
}

func TestForeignMasterExpiry(t *testing.T) {
	l := NewForeignMasterList(ownPort, time.Second)
	now := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		a := announce(0x1, 128, ptp.ClockClassDefault, sender(0x1))
		a.SequenceID = uint16(i)
		l.Register(a, now.Add(time.Duration(i)*time.Second))
	}
	require.NotEmpty(t, l.Qualified(now.Add(2*time.Second)))

	// 4x announce interval without announces and the record is gone
	assert.Empty(t, l.Qualified(now.Add(7*time.Second)))
	assert.Equal(t, 0, l.Len())
}

func TestForeignMasterCapacity(t *testing.T) {
	l := NewForeignMasterList(ownPort, time.Second)
	now := time.Unix(1000, 0)

	for i := 0; i < ForeignMasterCapacity; i++ {
		a := announce(ptp.ClockIdentity(i+1), 128, ptp.ClockClassDefault, sender(ptp.ClockIdentity(i+1)))
		l.Register(a, now.Add(time.Duration(i)*time.Millisecond))
	}
	require.Equal(t, ForeignMasterCapacity, l.Len())

	// the 6th distinct sender evicts the oldest record
	a := announce(0x99, 128, ptp.ClockClassDefault, sender(0x99))
	l.Register(a, now.Add(time.Second))
	assert.Equal(t, ForeignMasterCapacity, l.Len())
	for _, f := range l.masters {
		assert.NotEqual(t, ptp.ClockIdentity(0x1), f.SourcePortIdentity.ClockIdentity)
	}
}

func TestForeignMasterIgnoresOwnPort(t *testing.T) {
	l := NewForeignMasterList(ownPort, time.Second)
	a := announce(0x1, 128, ptp.ClockClassDefault, ownPort)
	l.Register(a, time.Unix(1000, 0))
	assert.Equal(t, 0, l.Len())
}

func TestForeignMasterBest(t *testing.T) {
	l := NewForeignMasterList(ownPort, time.Second)
	now := time.Unix(1000, 0)

	for i, prio := range []uint8{128, 64} {
		id := ptp.ClockIdentity(i + 1)
		for seq := 0; seq < 2; seq++ {
			a := announce(id, prio, ptp.ClockClassDefault, sender(id))
			a.SequenceID = uint16(seq)
			l.Register(a, now.Add(time.Duration(seq)*time.Second))
		}
	}
	best := l.Best(now.Add(time.Second))
	require.NotNil(t, best)
	assert.Equal(t, ptp.ClockIdentity(0x2), best.GrandmasterIdentity)
}
