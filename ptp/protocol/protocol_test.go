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

package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_parseSync(t *testing.T) {
	raw := []uint8{
		0x10, 0x12, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x80, 0x63, 0xff,
		0xff, 0x00, 0x09, 0xba, 0x00, 0x01, 0x00, 0x74,
		0x00, 0x00, 0x00, 0x00, 0x45, 0xb1, 0x11, 0x5a,
		0x0a, 0x64, 0xfa, 0xb0, 0x00, 0x00,
	}
	packet := new(SyncDelayReq)
	err := FromBytes(raw, packet)
	require.Nil(t, err)
	want := SyncDelayReq{
		Header: Header{
			SdoIDAndMsgType:     NewSdoIDAndMsgType(MessageSync, 1),
			Version:             VersionField,
			MessageLength:       44,
			DomainNumber:        0,
			MinorSdoID:          0,
			FlagField:           0,
			CorrectionField:     0,
			MessageTypeSpecific: 0,
			SourcePortIdentity: PortIdentity{
				PortNumber:    1,
				ClockIdentity: 36138748164966842,
			},
			SequenceID:         116,
			ControlField:       0,
			LogMessageInterval: 0,
		},
		SyncDelayReqBody: SyncDelayReqBody{
			OriginTimestamp: Timestamp{
				Seconds:     [6]byte{0x0, 0x00, 0x45, 0xb1, 0x11, 0x5a},
				Nanoseconds: 174389936,
			},
		},
	}
	require.Equal(t, want, *packet)
	require.Equal(t, uint8(2), packet.MajorVersion())
	b, err := Bytes(packet)
	require.Nil(t, err)
	assert.Equal(t, raw, b)

	// test generic DecodePacket as well
	pp, err := DecodePacket(raw)
	require.Nil(t, err)
	assert.Equal(t, &want, pp)
}

func Test_announceRoundTrip(t *testing.T) {
	packet := &Announce{
		Header: Header{
			SdoIDAndMsgType:    NewSdoIDAndMsgType(MessageAnnounce, 0),
			Version:            VersionField,
			FlagField:          FlagPTPTimescale | FlagTwoStep,
			SourcePortIdentity: PortIdentity{ClockIdentity: 0x001122fffe334455, PortNumber: 1},
			SequenceID:         42,
			LogMessageInterval: 1,
		},
		AnnounceBody: AnnounceBody{
			CurrentUTCOffset:     37,
			GrandmasterPriority1: 128,
			GrandmasterClockQuality: ClockQuality{
				ClockClass:              ClockClass6,
				ClockAccuracy:           ClockAccuracyNanosecond100,
				OffsetScaledLogVariance: 0x4e5d,
			},
			GrandmasterPriority2: 128,
			GrandmasterIdentity:  0x001122fffe334455,
			StepsRemoved:         2,
			TimeSource:           TimeSourceGNSS,
		},
	}
	b, err := Bytes(packet)
	require.Nil(t, err)
	// header + body + 2 bytes of UDPv6 padding
	require.Equal(t, HeaderSize+announceBodySize+2, len(b))
	require.Equal(t, uint16(HeaderSize+announceBodySize), packet.MessageLength)

	pp, err := DecodePacket(b)
	require.Nil(t, err)
	assert.Equal(t, packet, pp)
}

func Test_announceWithTLVs(t *testing.T) {
	packet := &Announce{
		Header: Header{
			SdoIDAndMsgType:    NewSdoIDAndMsgType(MessageAnnounce, 0),
			Version:            VersionField,
			SourcePortIdentity: PortIdentity{ClockIdentity: 0xdeadbeefcafef00d, PortNumber: 3},
		},
		AnnounceBody: AnnounceBody{
			GrandmasterIdentity: 0xdeadbeefcafef00d,
		},
		TLVs: []TLV{
			&PathTraceTLV{PathSequence: []ClockIdentity{0xdeadbeefcafef00d, 0x001122fffe334455}},
			&RawTLV{TLVType: TLVOrganizationExtension, ValueField: []byte{0xde, 0xad, 0x00, 0x42}},
		},
	}
	b, err := Bytes(packet)
	require.Nil(t, err)

	pp, err := DecodePacket(b)
	require.Nil(t, err)
	got, ok := pp.(*Announce)
	require.True(t, ok)
	assert.Equal(t, packet.TLVs, got.TLVs)
	assert.Equal(t, []ClockIdentity{0xdeadbeefcafef00d, 0x001122fffe334455}, got.PathTrace())

	pt := got.TLVs[0].(*PathTraceTLV)
	assert.True(t, pt.Contains(0x001122fffe334455))
	assert.False(t, pt.Contains(0x1))
}

func Test_delayRespRoundTrip(t *testing.T) {
	now := time.Unix(1672531200, 500)
	packet := &DelayResp{
		Header: Header{
			SdoIDAndMsgType:    NewSdoIDAndMsgType(MessageDelayResp, 0),
			Version:            VersionField,
			MessageLength:      54,
			SourcePortIdentity: PortIdentity{ClockIdentity: 0x1, PortNumber: 1},
			SequenceID:         7,
		},
		DelayRespBody: DelayRespBody{
			ReceiveTimestamp:       NewTimestamp(now),
			RequestingPortIdentity: PortIdentity{ClockIdentity: 0x2, PortNumber: 1},
		},
	}
	b, err := Bytes(packet)
	require.Nil(t, err)

	pp, err := DecodePacket(b)
	require.Nil(t, err)
	assert.Equal(t, packet, pp)
	assert.Equal(t, now, pp.(*DelayResp).ReceiveTimestamp.Time())
}

func Test_pdelayRoundTrip(t *testing.T) {
	req := &PDelayReq{
		Header: Header{
			SdoIDAndMsgType:    NewSdoIDAndMsgType(MessagePDelayReq, 0),
			Version:            VersionField,
			MessageLength:      54,
			SourcePortIdentity: PortIdentity{ClockIdentity: 0x2, PortNumber: 1},
			SequenceID:         13,
		},
	}
	b, err := Bytes(req)
	require.Nil(t, err)
	pp, err := DecodePacket(b)
	require.Nil(t, err)
	assert.Equal(t, req, pp)

	resp := &PDelayRespFollowUp{
		Header: Header{
			SdoIDAndMsgType:    NewSdoIDAndMsgType(MessagePDelayRespFollowUp, 0),
			Version:            VersionField,
			MessageLength:      54,
			SourcePortIdentity: PortIdentity{ClockIdentity: 0x1, PortNumber: 2},
			SequenceID:         13,
		},
		PDelayRespFollowUpBody: PDelayRespFollowUpBody{
			ResponseOriginTimestamp: NewTimestamp(time.Unix(500, 100)),
			RequestingPortIdentity:  PortIdentity{ClockIdentity: 0x2, PortNumber: 1},
		},
	}
	b, err = Bytes(resp)
	require.Nil(t, err)
	pp, err = DecodePacket(b)
	require.Nil(t, err)
	assert.Equal(t, resp, pp)
}

func Test_probeMsgType(t *testing.T) {
	mt, err := ProbeMsgType([]byte{byte(NewSdoIDAndMsgType(MessageAnnounce, 0))})
	require.Nil(t, err)
	assert.Equal(t, MessageAnnounce, mt)

	_, err = ProbeMsgType([]byte{})
	assert.Error(t, err)
}

func Test_eventMessages(t *testing.T) {
	assert.True(t, MessageSync.Event())
	assert.True(t, MessageDelayReq.Event())
	assert.True(t, MessagePDelayReq.Event())
	assert.True(t, MessagePDelayResp.Event())
	assert.False(t, MessageFollowUp.Event())
	assert.False(t, MessageDelayResp.Event())
	assert.False(t, MessageAnnounce.Event())
	assert.False(t, MessagePDelayRespFollowUp.Event())
}
