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

package datasets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	ptp "github.com/opentimed/ptpd/ptp/protocol"
)

func TestParentDSTakeFrom(t *testing.T) {
	announce := &ptp.Announce{
		Header: ptp.Header{
			SourcePortIdentity: ptp.PortIdentity{ClockIdentity: 0x1111, PortNumber: 2},
		},
		AnnounceBody: ptp.AnnounceBody{
			GrandmasterIdentity:  0x2222,
			GrandmasterPriority1: 10,
			GrandmasterPriority2: 20,
			GrandmasterClockQuality: ptp.ClockQuality{
				ClockClass: ptp.ClockClass6,
			},
		},
		TLVs: []ptp.TLV{
			&ptp.PathTraceTLV{PathSequence: []ptp.ClockIdentity{0x2222, 0x1111}},
			&ptp.RawTLV{TLVType: ptp.TLVOrganizationExtension, ValueField: []byte{1, 2}},
		},
	}
	p := &ParentDS{}
	p.TakeFrom(announce)
	assert.Equal(t, ptp.ClockIdentity(0x2222), p.GrandmasterIdentity)
	assert.Equal(t, uint8(10), p.GrandmasterPriority1)
	assert.Equal(t, ptp.PortIdentity{ClockIdentity: 0x1111, PortNumber: 2}, p.ParentPortIdentity)
	// path trace TLV must not be blindly forwarded, it's rebuilt by the master
	assert.Len(t, p.ForwardTLVs, 1)
	assert.Equal(t, ptp.TLVOrganizationExtension, p.ForwardTLVs[0].Type())
}

func TestParentDSTakeFromSelf(t *testing.T) {
	d := &DefaultDS{
		ClockIdentity: 0x42,
		Priority1:     128,
		Priority2:     127,
		ClockQuality:  ptp.ClockQuality{ClockClass: ptp.ClockClassDefault},
	}
	p := &ParentDS{GrandmasterIdentity: 0x9999}
	p.TakeFromSelf(d)
	assert.Equal(t, ptp.ClockIdentity(0x42), p.GrandmasterIdentity)
	assert.Equal(t, uint8(128), p.GrandmasterPriority1)
	assert.Equal(t, []ptp.ClockIdentity{0x42}, p.PathTrace)
	assert.Nil(t, p.ForwardTLVs)
}

func TestTimePropertiesFlags(t *testing.T) {
	tp := NewTimePropertiesDS()
	assert.Equal(t, uint16(0), tp.Flags())

	announce := &ptp.Announce{
		Header: ptp.Header{
			FlagField: ptp.FlagPTPTimescale | ptp.FlagCurrentUtcOffsetValid | ptp.FlagLeap61,
		},
		AnnounceBody: ptp.AnnounceBody{
			CurrentUTCOffset: 37,
			TimeSource:       ptp.TimeSourceGNSS,
		},
	}
	tp.TakeFrom(announce)
	assert.True(t, tp.PTPTimescale)
	assert.True(t, tp.CurrentUTCOffsetValid)
	assert.True(t, tp.Leap61)
	assert.False(t, tp.Leap59)
	assert.Equal(t, int16(37), tp.CurrentUTCOffset)
	assert.Equal(t, ptp.TimeSourceGNSS, tp.TimeSource)
	assert.Equal(t, ptp.FlagPTPTimescale|ptp.FlagCurrentUtcOffsetValid|ptp.FlagLeap61, tp.Flags())
}

func TestAnnounceReceiptTimeoutDuration(t *testing.T) {
	ds := &PortDS{
		LogAnnounceInterval:    1,
		AnnounceReceiptTimeout: 3,
	}
	assert.Equal(t, 6*time.Second, ds.AnnounceReceiptTimeoutDuration())
}
