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

package instance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentimed/ptpd/ptp/datasets"
	"github.com/opentimed/ptpd/ptp/port"
	ptp "github.com/opentimed/ptpd/ptp/protocol"
	"github.com/opentimed/ptpd/ptp/servo"
)

const (
	identityA ptp.ClockIdentity = 0x001122fffe334455
	identityB ptp.ClockIdentity = 0x000000fffe000042
)

// fakeClock is a settable clock recording all steering calls
type fakeClock struct {
	now     time.Time
	quality ptp.ClockQuality
	steps   []time.Duration
	freqs   []float64
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now: time.Unix(1000, 0),
		quality: ptp.ClockQuality{
			ClockClass:              ptp.ClockClassDefault,
			ClockAccuracy:           ptp.ClockAccuracyUnknown,
			OffsetScaledLogVariance: 0xffff,
		},
	}
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Step(step time.Duration) error {
	c.steps = append(c.steps, step)
	return nil
}
func (c *fakeClock) AdjustFrequencyPPM(freqPPM float64) error {
	c.freqs = append(c.freqs, freqPPM)
	return nil
}
func (c *fakeClock) SetProperties(tp *datasets.TimePropertiesDS) error { return nil }
func (c *fakeClock) Quality() ptp.ClockQuality                        { return c.quality }

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestInstance(t *testing.T, cfg *Config, clk Clock) *Instance {
	t.Helper()
	i, err := New(cfg, clk, func() servo.Servo {
		return servo.NewKalmanServo(servo.DefaultKalmanCfg())
	})
	require.Nil(t, err)
	return i
}

func singlePortConfig(identity ptp.ClockIdentity) *Config {
	return &Config{
		ClockIdentity: identity,
		Priority1:     128,
		Priority2:     128,
		Ports: []*port.Config{
			{PortNumber: 1, LogAnnounceInterval: 1, LogSyncInterval: 0},
		},
	}
}

func bAnnounce(t *testing.T, seq uint16) []byte {
	t.Helper()
	a := &ptp.Announce{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageAnnounce, 0),
			Version:            ptp.VersionField,
			SourcePortIdentity: ptp.PortIdentity{ClockIdentity: identityB, PortNumber: 1},
			SequenceID:         seq,
			LogMessageInterval: 1,
		},
		AnnounceBody: ptp.AnnounceBody{
			GrandmasterIdentity:  identityB,
			GrandmasterPriority1: 64,
			GrandmasterPriority2: 128,
			GrandmasterClockQuality: ptp.ClockQuality{
				ClockClass:              ptp.ClockClass6,
				ClockAccuracy:           ptp.ClockAccuracyNanosecond100,
				OffsetScaledLogVariance: 0x4e5d,
			},
			StepsRemoved: 0,
			TimeSource:   ptp.TimeSourceGNSS,
		},
	}
	b, err := ptp.Bytes(a)
	require.Nil(t, err)
	return b
}

// qualify feeds enough announces from B for its record to qualify
func qualify(t *testing.T, i *Instance, clk *fakeClock) {
	t.Helper()
	_, err := i.HandleMessage(1, bAnnounce(t, 1), clk.Now())
	require.Nil(t, err)
	clk.advance(2 * time.Second)
	_, err = i.HandleMessage(1, bAnnounce(t, 2), clk.Now())
	require.Nil(t, err)
}

func TestSingleGrandmasterElection(t *testing.T) {
	clk := newFakeClock()
	i := newTestInstance(t, singlePortConfig(identityA), clk)
	i.Start()

	qualify(t, i, clk)

	p := i.Ports()[0]
	assert.Equal(t, ptp.PortStateUncalibrated, p.State())
	assert.Equal(t, uint16(1), i.SlavePortNumber())

	parent := i.ParentDS()
	assert.Equal(t, identityB, parent.GrandmasterIdentity)
	assert.Equal(t, uint8(64), parent.GrandmasterPriority1)
	assert.Equal(t, uint16(1), i.CurrentDS().StepsRemoved)
	// our identity was appended to the path trace
	assert.Equal(t, []ptp.ClockIdentity{identityA}, parent.PathTrace)

	tp := i.TimePropertiesDS()
	assert.Equal(t, ptp.TimeSourceGNSS, tp.TimeSource)
}

func TestLoneInstanceBecomesMaster(t *testing.T) {
	clk := newFakeClock()
	i := newTestInstance(t, singlePortConfig(identityA), clk)
	i.Start()
	p := i.Ports()[0]
	require.Equal(t, ptp.PortStateListening, p.State())

	// announce receipt timeout with zero valid announces elevates the
	// port towards Master
	actions, err := i.HandleTimer(1, port.TimerAnnounceReceiptTimeout)
	require.Nil(t, err)
	require.Equal(t, ptp.PortStatePreMaster, p.State())

	var qualification *port.ScheduleTimer
	for _, a := range actions {
		if st, ok := a.(port.ScheduleTimer); ok && st.Kind == port.TimerQualification {
			qualification = &st
			break
		}
	}
	require.NotNil(t, qualification)

	clk.advance(qualification.Delay)
	actions, err = i.HandleTimer(1, port.TimerQualification)
	require.Nil(t, err)
	assert.Equal(t, ptp.PortStateMaster, p.State())

	// acting grandmaster: steps-removed is 0 and the parent is ourselves
	assert.Equal(t, uint16(0), i.CurrentDS().StepsRemoved)
	assert.Equal(t, identityA, i.ParentDS().GrandmasterIdentity)
	assert.Equal(t, uint16(0), i.SlavePortNumber())

	sent := 0
	for _, a := range actions {
		if _, ok := a.(port.SendMessage); ok {
			sent++
		}
	}
	assert.NotZero(t, sent)
}

func TestIdentityTieBreak(t *testing.T) {
	clk := newFakeClock()
	// both clocks have identical class 6 quality: the lexicographically
	// smaller identity wins and we go passive
	cfg := singlePortConfig(identityA)
	clk.quality.ClockClass = ptp.ClockClass6
	clk.quality.ClockAccuracy = ptp.ClockAccuracyNanosecond100
	clk.quality.OffsetScaledLogVariance = 0x4e5d
	cfg.Priority1 = 64
	i := newTestInstance(t, cfg, clk)
	i.Start()

	require.True(t, identityB < identityA)
	qualify(t, i, clk)
	assert.Equal(t, ptp.PortStatePassive, i.Ports()[0].State())
	assert.Equal(t, uint16(0), i.SlavePortNumber())
}

func TestIdentityTieBreakMasterOnly(t *testing.T) {
	clk := newFakeClock()
	clk.quality.ClockClass = ptp.ClockClass6
	clk.quality.ClockAccuracy = ptp.ClockAccuracyNanosecond100
	clk.quality.OffsetScaledLogVariance = 0x4e5d
	cfg := singlePortConfig(identityA)
	cfg.Priority1 = 64
	cfg.Ports[0].MasterOnly = true
	i := newTestInstance(t, cfg, clk)
	i.Start()

	qualify(t, i, clk)
	// the decision table lost the tie-break but the port is master-only
	assert.Contains(t, []ptp.PortState{ptp.PortStatePreMaster, ptp.PortStateMaster}, i.Ports()[0].State())
}

func TestSlaveOnlyNeverMaster(t *testing.T) {
	clk := newFakeClock()
	cfg := singlePortConfig(identityA)
	cfg.SlaveOnly = true
	i := newTestInstance(t, cfg, clk)
	require.Equal(t, ptp.ClockClassSlaveOnly, i.DefaultDS().ClockQuality.ClockClass)
	i.Start()

	// no candidates at all: a slave-only instance parks the port passive
	_, err := i.HandleTimer(1, port.TimerAnnounceReceiptTimeout)
	require.Nil(t, err)
	assert.Equal(t, ptp.PortStatePassive, i.Ports()[0].State())
}

func TestLoopDetectionElectsSelf(t *testing.T) {
	clk := newFakeClock()
	i := newTestInstance(t, singlePortConfig(identityA), clk)
	i.Start()

	// announce with our own identity on the path trace is rejected
	a := &ptp.Announce{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageAnnounce, 0),
			Version:            ptp.VersionField,
			SourcePortIdentity: ptp.PortIdentity{ClockIdentity: identityB, PortNumber: 1},
			SequenceID:         1,
			LogMessageInterval: 1,
		},
		AnnounceBody: ptp.AnnounceBody{
			GrandmasterIdentity:  identityB,
			GrandmasterPriority1: 1,
			GrandmasterClockQuality: ptp.ClockQuality{
				ClockClass: ptp.ClockClass6,
			},
		},
		TLVs: []ptp.TLV{
			&ptp.PathTraceTLV{PathSequence: []ptp.ClockIdentity{identityB, identityA}},
		},
	}
	b, err := ptp.Bytes(a)
	require.Nil(t, err)
	_, err = i.HandleMessage(1, b, clk.Now())
	require.Nil(t, err)

	assert.Equal(t, uint64(1), i.Ports()[0].Counters().PolicyRejected)
	// nothing qualified, so the timeout elects us
	_, err = i.HandleTimer(1, port.TimerAnnounceReceiptTimeout)
	require.Nil(t, err)
	assert.Equal(t, ptp.PortStatePreMaster, i.Ports()[0].State())
	assert.Equal(t, identityA, i.ParentDS().GrandmasterIdentity)
}

func TestBoundaryClockSingleSlave(t *testing.T) {
	clk := newFakeClock()
	cfg := &Config{
		ClockIdentity: identityA,
		Priority1:     128,
		Priority2:     128,
		Ports: []*port.Config{
			{PortNumber: 1, LogAnnounceInterval: 1},
			{PortNumber: 2, LogAnnounceInterval: 1},
		},
	}
	i := newTestInstance(t, cfg, clk)
	require.Equal(t, datasets.BoundaryClock, i.DefaultDS().InstanceType)
	i.Start()

	// the same master is heard on both ports
	_, err := i.HandleMessage(1, bAnnounce(t, 1), clk.Now())
	require.Nil(t, err)
	_, err = i.HandleMessage(2, bAnnounce(t, 1), clk.Now())
	require.Nil(t, err)
	clk.advance(2 * time.Second)
	_, err = i.HandleMessage(1, bAnnounce(t, 2), clk.Now())
	require.Nil(t, err)
	_, err = i.HandleMessage(2, bAnnounce(t, 2), clk.Now())
	require.Nil(t, err)

	slaves := 0
	for _, p := range i.Ports() {
		if p.State() == ptp.PortStateSlave || p.State() == ptp.PortStateUncalibrated {
			slaves++
		}
	}
	assert.Equal(t, 1, slaves)
	assert.Equal(t, uint16(1), i.SlavePortNumber())
}

func TestBMCADeterminism(t *testing.T) {
	clk := newFakeClock()
	i := newTestInstance(t, singlePortConfig(identityA), clk)
	i.Start()
	qualify(t, i, clk)

	state1 := i.Ports()[0].State()
	parent1 := i.ParentDS()
	i.RunBMCA()
	i.RunBMCA()
	assert.Equal(t, state1, i.Ports()[0].State())
	assert.Equal(t, parent1.GrandmasterIdentity, i.ParentDS().GrandmasterIdentity)
}

func TestInstanceAppliesClockActions(t *testing.T) {
	clk := newFakeClock()
	i := newTestInstance(t, singlePortConfig(identityA), clk)
	i.Start()
	qualify(t, i, clk)
	require.Equal(t, ptp.PortStateUncalibrated, i.Ports()[0].State())

	// a sync with an offset above the step threshold: the instance must
	// step the clock through the Clock capability
	t1 := clk.Now()
	t2 := t1.Add(50 * time.Millisecond)
	sync := &ptp.SyncDelayReq{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageSync, 0),
			Version:            ptp.VersionField,
			MessageLength:      44,
			SourcePortIdentity: ptp.PortIdentity{ClockIdentity: identityB, PortNumber: 1},
			SequenceID:         1,
			LogMessageInterval: 0,
		},
		SyncDelayReqBody: ptp.SyncDelayReqBody{OriginTimestamp: ptp.NewTimestamp(t1)},
	}
	b, err := ptp.Bytes(sync)
	require.Nil(t, err)

	// E2E needs a delay measurement as well: drive the delay req exchange
	actions, err := i.HandleTimer(1, port.TimerDelayRequest)
	require.Nil(t, err)
	var req *port.SendMessage
	for _, a := range actions {
		if s, ok := a.(port.SendMessage); ok {
			req = &s
			break
		}
	}
	require.NotNil(t, req)
	_, err = i.HandleSendTimestamp(1, req.TimestampID, t1)
	require.Nil(t, err)

	reqPacket, err := ptp.DecodePacket(req.Data)
	require.Nil(t, err)
	resp := &ptp.DelayResp{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(ptp.MessageDelayResp, 0),
			Version:            ptp.VersionField,
			MessageLength:      54,
			SourcePortIdentity: ptp.PortIdentity{ClockIdentity: identityB, PortNumber: 1},
			SequenceID:         reqPacket.(*ptp.SyncDelayReq).SequenceID,
		},
		DelayRespBody: ptp.DelayRespBody{
			ReceiveTimestamp:       ptp.NewTimestamp(t1.Add(time.Microsecond)),
			RequestingPortIdentity: i.Ports()[0].Identity(),
		},
	}
	rb, err := ptp.Bytes(resp)
	require.Nil(t, err)
	_, err = i.HandleMessage(1, rb, time.Time{})
	require.Nil(t, err)

	_, err = i.HandleMessage(1, b, t2)
	require.Nil(t, err)

	require.NotEmpty(t, clk.steps)
	// the one-way difference is ~50ms and the return path is instant, so
	// the computed offset is ~25ms; the step compensates for running ahead
	assert.InDelta(t, float64(-25*time.Millisecond), float64(clk.steps[0]), float64(time.Millisecond))
}

func TestSnapshot(t *testing.T) {
	clk := newFakeClock()
	i := newTestInstance(t, singlePortConfig(identityA), clk)
	i.Start()
	qualify(t, i, clk)

	s := i.Snapshot()
	assert.Equal(t, identityA.String(), s.ClockIdentity)
	assert.Equal(t, "OC", s.InstanceType)
	assert.Equal(t, uint16(1), s.NumberPorts)
	assert.Equal(t, identityB.String(), s.GrandmasterIdentity)
	assert.Equal(t, uint16(1), s.StepsRemoved)
	assert.Equal(t, uint16(1), s.SlavePort)
	require.Len(t, s.Ports, 1)
	assert.Equal(t, "UNCALIBRATED", s.Ports[0].State)
	assert.Equal(t, "GNSS", s.TimeSource)
}

func TestMarkPortFaulty(t *testing.T) {
	clk := newFakeClock()
	i := newTestInstance(t, singlePortConfig(identityA), clk)
	i.Start()
	qualify(t, i, clk)

	actions, err := i.MarkPortFaulty(1, assert.AnError)
	require.Nil(t, err)
	assert.Equal(t, ptp.PortStateFaulty, i.Ports()[0].State())
	// the faulty port is excluded, we fall back to acting grandmaster
	assert.Equal(t, uint16(0), i.SlavePortNumber())
	assert.Equal(t, uint16(0), i.CurrentDS().StepsRemoved)

	var reinit bool
	for _, a := range actions {
		if st, ok := a.(port.ScheduleTimer); ok && st.Kind == port.TimerReinit {
			reinit = true
		}
	}
	assert.True(t, reinit)
}

func TestRejectsBadPortNumber(t *testing.T) {
	clk := newFakeClock()
	i := newTestInstance(t, singlePortConfig(identityA), clk)
	_, err := i.HandleMessage(7, []byte{}, clk.Now())
	assert.Error(t, err)
}
