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

/*
Package port implements the per-port PTP state machine: one Port per network
interface, driven by decoded messages, timer expiries and BMCA
recommendations, producing actions for the OS adapter to perform. Ports
never do I/O and never block.
*/
package port

import (
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opentimed/ptpd/ptp/bmc"
	"github.com/opentimed/ptpd/ptp/datasets"
	ptp "github.com/opentimed/ptpd/ptp/protocol"
	"github.com/opentimed/ptpd/ptp/servo"
)

// Config is the static configuration of one port
type Config struct {
	PortNumber              uint16
	LogAnnounceInterval     ptp.LogInterval
	AnnounceReceiptTimeout  uint8
	LogSyncInterval         ptp.LogInterval
	LogMinDelayReqInterval  ptp.LogInterval
	LogMinPdelayReqInterval ptp.LogInterval
	DelayMechanism          datasets.DelayMechanism
	MasterOnly              bool
	// TwoStep controls whether Sync carries the origin timestamp itself or
	// a Follow_Up does
	TwoStep bool
	// DelayAsymmetry is subtracted from measured sync offsets, 8.2.15.4.6
	DelayAsymmetry time.Duration
	// AcceptableMasters, when non-empty, limits whose Announces this port
	// will consider
	AcceptableMasters []ptp.ClockIdentity
}

func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.AnnounceReceiptTimeout == 0 {
		cfg.AnnounceReceiptTimeout = 3
	}
	if cfg.DelayMechanism == 0 {
		cfg.DelayMechanism = datasets.DelayMechanismE2E
	}
	return &cfg
}

// Counters is the per-port view of everything that went wrong (and right)
type Counters struct {
	RxAnnounce      uint64
	RxSync          uint64
	RxFollowUp      uint64
	RxDelayReq      uint64
	RxDelayResp     uint64
	RxPDelay        uint64
	TxAnnounce      uint64
	TxSync          uint64
	TxFollowUp      uint64
	TxDelayReq      uint64
	TxDelayResp     uint64
	TxPDelay        uint64
	DecodeErrors    uint64
	VersionMismatch uint64
	PolicyRejected  uint64
	Inconsistencies uint64
	ServoOutliers   uint64
	Faults          uint64
}

// pendingTX remembers what event message we are waiting for a transmit
// timestamp of
type pendingTX struct {
	msgType   ptp.MessageType
	seq       uint16
	requester ptp.PortIdentity
}

// pdelayExchange is the in-flight state of one Pdelay_Req we initiated
type pdelayExchange struct {
	seq      uint16
	t1       time.Time // Pdelay_Req transmit
	t2       time.Time // Pdelay_Req receipt at the peer
	t3       time.Time // Pdelay_Resp transmit at the peer
	t4       time.Time // Pdelay_Resp receipt here
	corr     time.Duration
	twoStep  bool
	inFlight bool
}

// Port is a single PTP port of an instance
type Port struct {
	cfg *Config
	ds  datasets.PortDS

	// instance-owned datasets, shared under the single-task discipline
	defaultDS *datasets.DefaultDS
	parentDS  *datasets.ParentDS
	currentDS *datasets.CurrentDS
	timeProps *datasets.TimePropertiesDS

	foreign *bmc.ForeignMasterList
	servo   servo.Servo
	meas    *measurements

	announceSeq  uint16
	syncSeq      uint16
	delayReqSeq  uint16
	pdelayReqSeq uint16

	nextTSID  uint16
	pendingTS map[uint16]pendingTX

	pdelay pdelayExchange

	counters        Counters
	pendingDecision bool
	announceTimeout bool
	versionWarned   bool
	backoff         backoff

	// jitterFn computes the randomized part of the delay request interval,
	// replaceable in tests
	jitterFn func(max time.Duration) time.Duration
}

// NewPort creates a port in the Initializing state. The dataset pointers are
// owned by the instance; the port reads them to build Announces and writes
// them while it is the Slave port.
func NewPort(cfg *Config, defaultDS *datasets.DefaultDS, parentDS *datasets.ParentDS, currentDS *datasets.CurrentDS, timeProps *datasets.TimePropertiesDS, s servo.Servo) *Port {
	cfg = cfg.withDefaults()
	identity := ptp.PortIdentity{ClockIdentity: defaultDS.ClockIdentity, PortNumber: cfg.PortNumber}
	p := &Port{
		cfg:       cfg,
		defaultDS: defaultDS,
		parentDS:  parentDS,
		currentDS: currentDS,
		timeProps: timeProps,
		foreign:   bmc.NewForeignMasterList(identity, cfg.LogAnnounceInterval.Duration()),
		servo:     s,
		meas:      newMeasurements(cfg.DelayAsymmetry),
		pendingTS: map[uint16]pendingTX{},
		jitterFn: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
	p.ds = datasets.PortDS{
		PortIdentity:            identity,
		PortState:               ptp.PortStateInitializing,
		LogMinDelayReqInterval:  cfg.LogMinDelayReqInterval,
		LogAnnounceInterval:     cfg.LogAnnounceInterval,
		AnnounceReceiptTimeout:  cfg.AnnounceReceiptTimeout,
		LogSyncInterval:         cfg.LogSyncInterval,
		DelayMechanism:          cfg.DelayMechanism,
		LogMinPdelayReqInterval: cfg.LogMinPdelayReqInterval,
		VersionNumber:           ptp.Version,
		MinorVersionNumber:      ptp.MinorVersion,
		DelayAsymmetry:          cfg.DelayAsymmetry,
		MasterOnly:              cfg.MasterOnly,
	}
	return p
}

// Number returns the 1-based port number
func (p *Port) Number() uint16 {
	return p.cfg.PortNumber
}

// Identity returns the port identity
func (p *Port) Identity() ptp.PortIdentity {
	return p.ds.PortIdentity
}

// State returns the current port state
func (p *Port) State() ptp.PortState {
	return p.ds.PortState
}

// DS returns a copy of the port dataset
func (p *Port) DS() datasets.PortDS {
	return p.ds
}

// Counters returns a copy of the port counters
func (p *Port) Counters() Counters {
	return p.counters
}

// Best returns Erbest of this port for a BMCA run. Faulty and Disabled
// ports are skipped by the BMCA entirely.
func (p *Port) Best(now time.Time) *ptp.Announce {
	if p.ds.PortState == ptp.PortStateFaulty || p.ds.PortState == ptp.PortStateDisabled {
		return nil
	}
	return p.foreign.Best(now)
}

// Stale reports whether the port's filter has not seen a measurement for
// too long and CurrentDS should not be trusted
func (p *Port) Stale(now time.Time) bool {
	return p.isSlaveState() && p.servo.Stale(now)
}

// TakeNeedsDecision reports (and clears) whether anything happened that
// warrants a BMCA run
func (p *Port) TakeNeedsDecision() bool {
	res := p.pendingDecision
	p.pendingDecision = false
	return res
}

// DecisionState is the state the decision algorithm should consider the
// port to be in. After an announce receipt timeout a Listening port must
// not stay Listening, so it is reported as Passive to force a decision.
func (p *Port) DecisionState() ptp.PortState {
	if p.announceTimeout && p.ds.PortState == ptp.PortStateListening {
		return ptp.PortStatePassive
	}
	return p.ds.PortState
}

func (p *Port) setState(s ptp.PortState) {
	if p.ds.PortState != s {
		log.Infof("port %d: %s -> %s", p.cfg.PortNumber, p.ds.PortState, s)
		p.ds.PortState = s
	}
}

// Start moves the port from Initializing (or Faulty, on re-init) to
// Listening and arms the initial timers
func (p *Port) Start(now time.Time) []Action {
	p.setState(ptp.PortStateListening)
	p.foreign.Clear()
	p.meas.reset()
	p.pdelay = pdelayExchange{}
	actions := []Action{
		CancelTimers{PortNumber: p.cfg.PortNumber},
		p.announceTimeoutTimer(),
	}
	if p.cfg.DelayMechanism == datasets.DelayMechanismP2P {
		actions = append(actions, ScheduleTimer{PortNumber: p.cfg.PortNumber, Kind: TimerPDelayRequest, Delay: p.cfg.LogMinPdelayReqInterval.Duration()})
	}
	return actions
}

// Disable cancels everything the port has pending and parks it in Disabled
func (p *Port) Disable() []Action {
	p.setState(ptp.PortStateDisabled)
	p.foreign.Clear()
	p.meas.reset()
	p.pendingTS = map[uint16]pendingTX{}
	p.pdelay = pdelayExchange{}
	return []Action{CancelTimers{PortNumber: p.cfg.PortNumber}}
}

// MarkFaulty records a transport fault: all port activity stops and
// initialization is re-attempted after an exponential backoff
func (p *Port) MarkFaulty(err error) []Action {
	p.counters.Faults++
	delay := p.backoff.bump()
	log.Errorf("port %d: fault: %v, reinitializing in %s", p.cfg.PortNumber, err, delay)
	p.setState(ptp.PortStateFaulty)
	p.foreign.Clear()
	p.meas.reset()
	p.pendingTS = map[uint16]pendingTX{}
	p.pdelay = pdelayExchange{}
	p.pendingDecision = true
	return []Action{
		CancelTimers{PortNumber: p.cfg.PortNumber},
		ScheduleTimer{PortNumber: p.cfg.PortNumber, Kind: TimerReinit, Delay: delay},
	}
}

// ApplyRecommendation transitions the port according to the outcome of the
// state decision algorithm
func (p *Port) ApplyRecommendation(rec *bmc.Recommendation, now time.Time) []Action {
	p.announceTimeout = false
	if rec == nil {
		return nil
	}
	if p.ds.PortState == ptp.PortStateFaulty || p.ds.PortState == ptp.PortStateDisabled || p.ds.PortState == ptp.PortStateInitializing {
		return nil
	}
	target := bmc.RecommendedPortState(rec, p.cfg.MasterOnly, p.defaultDS.SlaveOnly)
	switch target {
	case ptp.PortStateMaster:
		return p.recommendMaster(now)
	case ptp.PortStateUncalibrated:
		return p.recommendSlave(now)
	case ptp.PortStatePassive:
		return p.recommendPassive(now)
	}
	return nil
}

func (p *Port) recommendMaster(now time.Time) []Action {
	switch p.ds.PortState {
	case ptp.PortStateMaster, ptp.PortStatePreMaster:
		return nil
	}
	p.setState(ptp.PortStatePreMaster)
	qualification := time.Duration(p.currentDS.StepsRemoved+1) * p.cfg.LogAnnounceInterval.Duration()
	return []Action{
		CancelTimers{PortNumber: p.cfg.PortNumber},
		ScheduleTimer{PortNumber: p.cfg.PortNumber, Kind: TimerQualification, Delay: qualification},
	}
}

func (p *Port) enterMaster(now time.Time) []Action {
	p.setState(ptp.PortStateMaster)
	actions := []Action{CancelTimers{PortNumber: p.cfg.PortNumber}}
	actions = append(actions, p.sendAnnounce()...)
	actions = append(actions, p.sendSync(now)...)
	actions = append(actions,
		ScheduleTimer{PortNumber: p.cfg.PortNumber, Kind: TimerAnnounce, Delay: p.cfg.LogAnnounceInterval.Duration()},
		ScheduleTimer{PortNumber: p.cfg.PortNumber, Kind: TimerSync, Delay: p.cfg.LogSyncInterval.Duration()},
	)
	if p.cfg.DelayMechanism == datasets.DelayMechanismP2P {
		actions = append(actions, ScheduleTimer{PortNumber: p.cfg.PortNumber, Kind: TimerPDelayRequest, Delay: p.cfg.LogMinPdelayReqInterval.Duration()})
	}
	return actions
}

func (p *Port) recommendSlave(now time.Time) []Action {
	switch p.ds.PortState {
	case ptp.PortStateSlave, ptp.PortStateUncalibrated:
		return nil
	}
	p.setState(ptp.PortStateUncalibrated)
	p.servo.Reset()
	p.meas.reset()
	actions := []Action{
		CancelTimers{PortNumber: p.cfg.PortNumber},
		p.announceTimeoutTimer(),
	}
	switch p.cfg.DelayMechanism {
	case datasets.DelayMechanismE2E:
		actions = append(actions, p.delayRequestTimer())
	case datasets.DelayMechanismP2P:
		actions = append(actions, ScheduleTimer{PortNumber: p.cfg.PortNumber, Kind: TimerPDelayRequest, Delay: p.cfg.LogMinPdelayReqInterval.Duration()})
	}
	return actions
}

func (p *Port) recommendPassive(now time.Time) []Action {
	if p.ds.PortState == ptp.PortStatePassive {
		return nil
	}
	p.setState(ptp.PortStatePassive)
	actions := []Action{
		CancelTimers{PortNumber: p.cfg.PortNumber},
		p.announceTimeoutTimer(),
	}
	if p.cfg.DelayMechanism == datasets.DelayMechanismP2P {
		actions = append(actions, ScheduleTimer{PortNumber: p.cfg.PortNumber, Kind: TimerPDelayRequest, Delay: p.cfg.LogMinPdelayReqInterval.Duration()})
	}
	return actions
}

func (p *Port) announceTimeoutTimer() Action {
	return ScheduleTimer{
		PortNumber: p.cfg.PortNumber,
		Kind:       TimerAnnounceReceiptTimeout,
		Delay:      p.ds.AnnounceReceiptTimeoutDuration(),
	}
}

// delayRequestTimer spreads delay requests uniformly within [0, 2*interval]
// so a population of slaves doesn't fire in lockstep
func (p *Port) delayRequestTimer() Action {
	return ScheduleTimer{
		PortNumber: p.cfg.PortNumber,
		Kind:       TimerDelayRequest,
		Delay:      p.jitterFn(2 * p.cfg.LogMinDelayReqInterval.Duration()),
	}
}

// HandleTimer processes a timer expiry event
func (p *Port) HandleTimer(kind TimerKind, now time.Time) []Action {
	switch kind {
	case TimerAnnounce:
		if p.ds.PortState != ptp.PortStateMaster {
			return nil
		}
		actions := p.sendAnnounce()
		return append(actions, ScheduleTimer{PortNumber: p.cfg.PortNumber, Kind: TimerAnnounce, Delay: p.cfg.LogAnnounceInterval.Duration()})
	case TimerSync:
		if p.ds.PortState != ptp.PortStateMaster {
			return nil
		}
		actions := p.sendSync(now)
		return append(actions, ScheduleTimer{PortNumber: p.cfg.PortNumber, Kind: TimerSync, Delay: p.cfg.LogSyncInterval.Duration()})
	case TimerDelayRequest:
		if p.ds.PortState != ptp.PortStateSlave && p.ds.PortState != ptp.PortStateUncalibrated {
			return nil
		}
		p.meas.cleanup(now, 4*p.cfg.LogMinDelayReqInterval.Duration())
		actions := p.sendDelayReq()
		return append(actions, p.delayRequestTimer())
	case TimerPDelayRequest:
		if p.cfg.DelayMechanism != datasets.DelayMechanismP2P {
			return nil
		}
		actions := p.sendPDelayReq()
		return append(actions, ScheduleTimer{PortNumber: p.cfg.PortNumber, Kind: TimerPDelayRequest, Delay: p.cfg.LogMinPdelayReqInterval.Duration()})
	case TimerAnnounceReceiptTimeout:
		return p.handleAnnounceTimeout(now)
	case TimerQualification:
		if p.ds.PortState != ptp.PortStatePreMaster {
			return nil
		}
		return p.enterMaster(now)
	case TimerReinit:
		if p.ds.PortState != ptp.PortStateFaulty {
			return nil
		}
		log.Infof("port %d: reinitializing after fault", p.cfg.PortNumber)
		p.pendingDecision = true
		return p.Start(now)
	}
	return nil
}

func (p *Port) handleAnnounceTimeout(now time.Time) []Action {
	switch p.ds.PortState {
	case ptp.PortStateMaster, ptp.PortStatePreMaster, ptp.PortStateFaulty, ptp.PortStateDisabled:
		return nil
	}
	log.Warningf("port %d: announce receipt timeout in state %s", p.cfg.PortNumber, p.ds.PortState)
	// the selected master went quiet: it must not win the re-run
	if p.ds.PortState == ptp.PortStateSlave || p.ds.PortState == ptp.PortStateUncalibrated {
		p.foreign.Remove(p.parentDS.ParentPortIdentity)
	}
	p.announceTimeout = true
	p.pendingDecision = true
	return []Action{p.announceTimeoutTimer()}
}

// HandleSendTimestamp delivers the transmit timestamp of an event message
// previously sent with a non-zero TimestampID. A zero timestamp means the
// transport could not produce one; the current clock reading (now) is used
// instead and the measurement is marked as software-grade.
func (p *Port) HandleSendTimestamp(id uint16, ts time.Time, now time.Time) []Action {
	pending, found := p.pendingTS[id]
	if !found {
		p.counters.Inconsistencies++
		return nil
	}
	delete(p.pendingTS, id)
	soft := false
	if ts.IsZero() {
		ts = now
		soft = true
	}
	switch pending.msgType {
	case ptp.MessageSync:
		return p.sendFollowUp(pending.seq, ts)
	case ptp.MessageDelayReq:
		p.meas.addDelayReq(pending.seq, ts, soft)
		return nil
	case ptp.MessagePDelayReq:
		if p.pdelay.inFlight && p.pdelay.seq == pending.seq {
			p.pdelay.t1 = ts
		}
		return nil
	case ptp.MessagePDelayResp:
		return p.sendPDelayRespFollowUp(pending.seq, pending.requester, ts)
	}
	return nil
}

// HandleMessage processes one received packet with its receive timestamp
func (p *Port) HandleMessage(data []byte, rxTS time.Time, now time.Time) []Action {
	if p.ds.PortState == ptp.PortStateDisabled || p.ds.PortState == ptp.PortStateFaulty {
		return nil
	}
	if len(data) < ptp.HeaderSize {
		p.counters.DecodeErrors++
		return nil
	}
	if major := data[1] & 0x0f; major != ptp.Version {
		p.counters.VersionMismatch++
		if !p.versionWarned {
			log.Warningf("port %d: ignoring PTP packets with major version %d", p.cfg.PortNumber, major)
			p.versionWarned = true
		}
		return nil
	}
	packet, err := ptp.DecodePacket(data)
	if err != nil {
		p.counters.DecodeErrors++
		log.Debugf("port %d: failed to decode packet: %v", p.cfg.PortNumber, err)
		return nil
	}
	p.backoff.reset()
	switch msg := packet.(type) {
	case *ptp.Announce:
		return p.handleAnnounce(msg, now)
	case *ptp.SyncDelayReq:
		if msg.MessageType() == ptp.MessageSync {
			return p.handleSync(msg, rxTS, now)
		}
		return p.handleDelayReq(msg, rxTS)
	case *ptp.FollowUp:
		return p.handleFollowUp(msg, now)
	case *ptp.DelayResp:
		return p.handleDelayResp(msg, now)
	case *ptp.PDelayReq:
		return p.handlePDelayReq(msg, rxTS)
	case *ptp.PDelayResp:
		return p.handlePDelayResp(msg, rxTS, now)
	case *ptp.PDelayRespFollowUp:
		return p.handlePDelayRespFollowUp(msg, now)
	}
	return nil
}

func (p *Port) acceptableMaster(identity ptp.ClockIdentity) bool {
	if len(p.cfg.AcceptableMasters) == 0 {
		return true
	}
	for _, id := range p.cfg.AcceptableMasters {
		if id == identity {
			return true
		}
	}
	return false
}

func (p *Port) handleAnnounce(msg *ptp.Announce, now time.Time) []Action {
	p.counters.RxAnnounce++
	own := p.defaultDS.ClockIdentity
	if msg.SourcePortIdentity.ClockIdentity == own || msg.GrandmasterIdentity == own {
		// an announce of our own making came back: there is a loop
		// somewhere, never let it into the foreign master table
		log.Debugf("port %d: ignoring self-originated announce", p.cfg.PortNumber)
		p.counters.PolicyRejected++
		return nil
	}
	if !p.acceptableMaster(msg.SourcePortIdentity.ClockIdentity) {
		p.counters.PolicyRejected++
		return nil
	}
	if pt := msg.PathTrace(); pt != nil {
		for _, id := range pt {
			if id == own {
				log.Warningf("port %d: rejecting announce from %s, our identity is on its path trace", p.cfg.PortNumber, msg.SourcePortIdentity)
				p.counters.PolicyRejected++
				return nil
			}
		}
	}
	p.foreign.Register(msg, now)
	p.pendingDecision = true

	var actions []Action
	if p.isSlaveState() && msg.SourcePortIdentity == p.parentDS.ParentPortIdentity {
		// fresh announce from the selected master refreshes the datasets
		// and rearms the receipt timeout
		p.updateFromParentAnnounce(msg)
		actions = append(actions, p.announceTimeoutTimer())
	}
	return actions
}

func (p *Port) isSlaveState() bool {
	return p.ds.PortState == ptp.PortStateSlave || p.ds.PortState == ptp.PortStateUncalibrated
}

// updateFromParentAnnounce refreshes parent, time properties and
// steps-removed from an announce of the current parent
func (p *Port) updateFromParentAnnounce(msg *ptp.Announce) {
	p.parentDS.TakeFrom(msg)
	p.timeProps.TakeFrom(msg)
	p.currentDS.StepsRemoved = msg.StepsRemoved + 1
	p.parentDS.PathTrace = append(append([]ptp.ClockIdentity{}, msg.PathTrace()...), p.defaultDS.ClockIdentity)
}

func (p *Port) handleSync(msg *ptp.SyncDelayReq, rxTS time.Time, now time.Time) []Action {
	p.counters.RxSync++
	if !p.isSlaveState() {
		return nil
	}
	if msg.SourcePortIdentity != p.parentDS.ParentPortIdentity {
		p.counters.Inconsistencies++
		return nil
	}
	soft := false
	if rxTS.IsZero() {
		rxTS = now
		soft = true
	}
	interval := msg.LogMessageInterval.Duration()
	p.meas.cleanup(now, 4*p.cfg.LogMinDelayReqInterval.Duration())
	if msg.TwoStepFlag() {
		p.meas.addSync(msg.SequenceID, time.Time{}, rxTS, msg.CorrectionField.Duration(), soft, interval)
		return nil
	}
	p.meas.addSync(msg.SequenceID, msg.OriginTimestamp.Time(), rxTS, msg.CorrectionField.Duration(), soft, interval)
	return p.completePairing(now, interval)
}

func (p *Port) handleFollowUp(msg *ptp.FollowUp, now time.Time) []Action {
	p.counters.RxFollowUp++
	if !p.isSlaveState() {
		return nil
	}
	if msg.SourcePortIdentity != p.parentDS.ParentPortIdentity {
		p.counters.Inconsistencies++
		return nil
	}
	if !p.meas.addFollowUp(msg.SequenceID, msg.PreciseOriginTimestamp.Time(), msg.CorrectionField.Duration()) {
		p.counters.Inconsistencies++
		return nil
	}
	return p.completePairing(now, msg.LogMessageInterval.Duration())
}

func (p *Port) handleDelayResp(msg *ptp.DelayResp, now time.Time) []Action {
	p.counters.RxDelayResp++
	if !p.isSlaveState() || p.cfg.DelayMechanism != datasets.DelayMechanismE2E {
		return nil
	}
	if msg.RequestingPortIdentity != p.ds.PortIdentity {
		return nil
	}
	if !p.meas.haveDelayReq(msg.SequenceID) {
		p.counters.Inconsistencies++
		return nil
	}
	if !p.meas.addDelayResp(msg.SequenceID, msg.ReceiveTimestamp.Time(), msg.CorrectionField.Duration()) {
		p.counters.Inconsistencies++
		return nil
	}
	return p.completePairing(now, 0)
}

// completePairing feeds the servo with the latest complete measurement and
// translates the servo verdict into clock actions
func (p *Port) completePairing(now time.Time, syncInterval time.Duration) []Action {
	var offset, delay time.Duration
	var ts time.Time
	var soft bool
	var err error
	switch p.cfg.DelayMechanism {
	case datasets.DelayMechanismP2P:
		if p.ds.PeerMeanLinkDelay == 0 {
			return nil
		}
		delay = p.ds.PeerMeanLinkDelay
		offset, ts, soft, err = p.meas.p2p(delay)
	default:
		offset, delay, ts, soft, err = p.meas.e2e()
	}
	if err != nil {
		return nil
	}
	if syncInterval > 0 {
		p.servo.SyncInterval(syncInterval.Seconds())
	}
	freq, state := p.servo.Sample(&servo.Measurement{
		Timestamp:          ts,
		Offset:             offset,
		Delay:              delay,
		SoftwareTimestamps: soft,
	})
	log.Debugf("port %d: offset %v delay %v servo %s", p.cfg.PortNumber, offset, delay, state)
	p.currentDS.OffsetFromMaster = p.servo.OffsetFromMaster()
	p.currentDS.MeanDelay = p.servo.MeanDelay()

	var actions []Action
	switch state {
	case servo.StateJump:
		actions = append(actions, StepClock{Step: -offset})
	case servo.StateLocked:
		actions = append(actions, AdjustFrequency{PPM: freq})
	case servo.StateFilter:
		p.counters.ServoOutliers++
	}
	if p.ds.PortState == ptp.PortStateUncalibrated && state != servo.StateFilter {
		p.setState(ptp.PortStateSlave)
	}
	return actions
}

// Master side

func (p *Port) header(t ptp.MessageType, length uint16, seq uint16, logInterval ptp.LogInterval) ptp.Header {
	return ptp.Header{
		SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(t, uint8(p.defaultDS.SdoID>>8)),
		Version:            ptp.VersionField,
		MessageLength:      length,
		DomainNumber:       p.defaultDS.DomainNumber,
		MinorSdoID:         uint8(p.defaultDS.SdoID),
		SourcePortIdentity: p.ds.PortIdentity,
		SequenceID:         seq,
		LogMessageInterval: logInterval,
	}
}

func (p *Port) send(packet ptp.Packet, class MessageClass, tsID uint16) []Action {
	b, err := ptp.Bytes(packet)
	if err != nil {
		log.Errorf("port %d: failed to serialize %s: %v", p.cfg.PortNumber, packet.MessageType(), err)
		return nil
	}
	return []Action{SendMessage{
		PortNumber:  p.cfg.PortNumber,
		Data:        b,
		Class:       class,
		TimestampID: tsID,
	}}
}

// trackTX allocates a timestamp id for an event message in flight
func (p *Port) trackTX(t ptp.MessageType, seq uint16, requester ptp.PortIdentity) uint16 {
	p.nextTSID++
	if p.nextTSID == 0 {
		p.nextTSID = 1
	}
	p.pendingTS[p.nextTSID] = pendingTX{msgType: t, seq: seq, requester: requester}
	return p.nextTSID
}

func (p *Port) sendAnnounce() []Action {
	seq := p.announceSeq
	p.announceSeq++
	announce := &ptp.Announce{
		Header: p.header(ptp.MessageAnnounce, 0, seq, p.cfg.LogAnnounceInterval),
		AnnounceBody: ptp.AnnounceBody{
			CurrentUTCOffset:        p.timeProps.CurrentUTCOffset,
			GrandmasterPriority1:    p.parentDS.GrandmasterPriority1,
			GrandmasterClockQuality: p.parentDS.GrandmasterClockQuality,
			GrandmasterPriority2:    p.parentDS.GrandmasterPriority2,
			GrandmasterIdentity:     p.parentDS.GrandmasterIdentity,
			StepsRemoved:            p.currentDS.StepsRemoved,
			TimeSource:              p.timeProps.TimeSource,
		},
	}
	announce.FlagField |= p.timeProps.Flags()
	if len(p.parentDS.PathTrace) > 0 {
		announce.TLVs = append(announce.TLVs, &ptp.PathTraceTLV{PathSequence: p.parentDS.PathTrace})
	}
	// propagate TLVs we don't interpret, preserving their order
	announce.TLVs = append(announce.TLVs, p.parentDS.ForwardTLVs...)
	p.counters.TxAnnounce++
	return p.send(announce, ClassGeneral, 0)
}

func (p *Port) sendSync(now time.Time) []Action {
	seq := p.syncSeq
	p.syncSeq++
	sync := &ptp.SyncDelayReq{
		Header: p.header(ptp.MessageSync, 44, seq, p.cfg.LogSyncInterval),
	}
	p.counters.TxSync++
	if !p.cfg.TwoStep {
		sync.OriginTimestamp = ptp.NewTimestamp(now)
		return p.send(sync, ClassEvent, 0)
	}
	sync.FlagField |= ptp.FlagTwoStep
	return p.send(sync, ClassEvent, p.trackTX(ptp.MessageSync, seq, ptp.PortIdentity{}))
}

func (p *Port) sendFollowUp(seq uint16, txTS time.Time) []Action {
	fup := &ptp.FollowUp{
		Header: p.header(ptp.MessageFollowUp, 44, seq, p.cfg.LogSyncInterval),
		FollowUpBody: ptp.FollowUpBody{
			PreciseOriginTimestamp: ptp.NewTimestamp(txTS),
		},
	}
	p.counters.TxFollowUp++
	return p.send(fup, ClassGeneral, 0)
}

func (p *Port) handleDelayReq(msg *ptp.SyncDelayReq, rxTS time.Time) []Action {
	p.counters.RxDelayReq++
	if p.ds.PortState != ptp.PortStateMaster {
		return nil
	}
	resp := &ptp.DelayResp{
		Header: p.header(ptp.MessageDelayResp, 54, msg.SequenceID, p.cfg.LogMinDelayReqInterval),
		DelayRespBody: ptp.DelayRespBody{
			ReceiveTimestamp:       ptp.NewTimestamp(rxTS),
			RequestingPortIdentity: msg.SourcePortIdentity,
		},
	}
	resp.CorrectionField = msg.CorrectionField
	p.counters.TxDelayResp++
	return p.send(resp, ClassGeneral, 0)
}

// Delay mechanism, slave side

func (p *Port) sendDelayReq() []Action {
	seq := p.delayReqSeq
	p.delayReqSeq++
	req := &ptp.SyncDelayReq{
		Header: p.header(ptp.MessageDelayReq, 44, seq, 0x7f),
	}
	p.counters.TxDelayReq++
	return p.send(req, ClassEvent, p.trackTX(ptp.MessageDelayReq, seq, ptp.PortIdentity{}))
}

// Peer delay mechanism

func (p *Port) sendPDelayReq() []Action {
	seq := p.pdelayReqSeq
	p.pdelayReqSeq++
	p.pdelay = pdelayExchange{seq: seq, inFlight: true}
	req := &ptp.PDelayReq{
		Header: p.header(ptp.MessagePDelayReq, 54, seq, 0x7f),
	}
	p.counters.TxPDelay++
	return p.send(req, ClassEvent, p.trackTX(ptp.MessagePDelayReq, seq, ptp.PortIdentity{}))
}

func (p *Port) handlePDelayReq(msg *ptp.PDelayReq, rxTS time.Time) []Action {
	p.counters.RxPDelay++
	if p.cfg.DelayMechanism != datasets.DelayMechanismP2P {
		return nil
	}
	resp := &ptp.PDelayResp{
		Header: p.header(ptp.MessagePDelayResp, 54, msg.SequenceID, 0x7f),
		PDelayRespBody: ptp.PDelayRespBody{
			RequestReceiptTimestamp: ptp.NewTimestamp(rxTS),
			RequestingPortIdentity:  msg.SourcePortIdentity,
		},
	}
	resp.FlagField |= ptp.FlagTwoStep
	p.counters.TxPDelay++
	return p.send(resp, ClassEvent, p.trackTX(ptp.MessagePDelayResp, msg.SequenceID, msg.SourcePortIdentity))
}

func (p *Port) sendPDelayRespFollowUp(seq uint16, requester ptp.PortIdentity, txTS time.Time) []Action {
	fup := &ptp.PDelayRespFollowUp{
		Header: p.header(ptp.MessagePDelayRespFollowUp, 54, seq, 0x7f),
		PDelayRespFollowUpBody: ptp.PDelayRespFollowUpBody{
			ResponseOriginTimestamp: ptp.NewTimestamp(txTS),
			RequestingPortIdentity:  requester,
		},
	}
	p.counters.TxPDelay++
	return p.send(fup, ClassGeneral, 0)
}

func (p *Port) handlePDelayResp(msg *ptp.PDelayResp, rxTS time.Time, now time.Time) []Action {
	p.counters.RxPDelay++
	if p.cfg.DelayMechanism != datasets.DelayMechanismP2P {
		return nil
	}
	// only the peer answering our own request may influence the link delay
	if msg.RequestingPortIdentity != p.ds.PortIdentity {
		return nil
	}
	if !p.pdelay.inFlight || p.pdelay.seq != msg.SequenceID {
		p.counters.Inconsistencies++
		return nil
	}
	p.pdelay.t2 = msg.RequestReceiptTimestamp.Time()
	p.pdelay.t4 = rxTS
	p.pdelay.corr += msg.CorrectionField.Duration()
	p.pdelay.twoStep = msg.TwoStepFlag()
	if p.pdelay.twoStep {
		return nil
	}
	p.pdelay.t3 = p.pdelay.t2
	return p.finishPDelay(now)
}

func (p *Port) handlePDelayRespFollowUp(msg *ptp.PDelayRespFollowUp, now time.Time) []Action {
	p.counters.RxPDelay++
	if p.cfg.DelayMechanism != datasets.DelayMechanismP2P {
		return nil
	}
	if msg.RequestingPortIdentity != p.ds.PortIdentity {
		return nil
	}
	if !p.pdelay.inFlight || p.pdelay.seq != msg.SequenceID || !p.pdelay.twoStep {
		p.counters.Inconsistencies++
		return nil
	}
	p.pdelay.t3 = msg.ResponseOriginTimestamp.Time()
	p.pdelay.corr += msg.CorrectionField.Duration()
	return p.finishPDelay(now)
}

func (p *Port) finishPDelay(now time.Time) []Action {
	d := &p.pdelay
	if d.t1.IsZero() || d.t2.IsZero() || d.t3.IsZero() || d.t4.IsZero() {
		p.counters.Inconsistencies++
		p.pdelay = pdelayExchange{}
		return nil
	}
	meanLink := (d.t4.Sub(d.t1) - d.t3.Sub(d.t2) - d.corr) / 2
	p.pdelay = pdelayExchange{}
	if meanLink < 0 {
		p.counters.Inconsistencies++
		return nil
	}
	p.ds.PeerMeanLinkDelay = meanLink
	log.Debugf("port %d: peer mean link delay %v", p.cfg.PortNumber, meanLink)
	if p.isSlaveState() {
		return p.completePairing(now, 0)
	}
	return nil
}
