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
Package instance ties the pieces together into a PTP Instance: it owns the
datasets and the ports, runs the BMCA across them, and applies clock
corrections through the Clock capability. The instance is single-task: all
entry points must be called from the same goroutine (or under one lock),
and none of them blocks.
*/
package instance

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opentimed/ptpd/ptp/bmc"
	"github.com/opentimed/ptpd/ptp/datasets"
	"github.com/opentimed/ptpd/ptp/port"
	ptp "github.com/opentimed/ptpd/ptp/protocol"
	"github.com/opentimed/ptpd/ptp/servo"
)

// Config is the instance configuration
type Config struct {
	ClockIdentity ptp.ClockIdentity
	Priority1     uint8
	Priority2     uint8
	DomainNumber  uint8
	SlaveOnly     bool
	SdoID         uint16
	// TimeProperties of the local clock, advertised while we are the grandmaster
	TimeProperties datasets.TimePropertiesDS
	Ports          []*port.Config
}

// Instance is a PTP Ordinary or Boundary Clock
type Instance struct {
	cfg *Config
	clk Clock

	defaultDS datasets.DefaultDS
	currentDS datasets.CurrentDS
	parentDS  datasets.ParentDS
	timeProps datasets.TimePropertiesDS

	ports []*port.Port
	// port number of the current slave port, 0 if we are the grandmaster
	slavePort uint16
}

// New creates an instance with one port per port config. newServo is called
// once per port to create its filter.
func New(cfg *Config, clk Clock, newServo func() servo.Servo) (*Instance, error) {
	if len(cfg.Ports) == 0 {
		return nil, fmt.Errorf("an instance needs at least one port")
	}
	instanceType := datasets.OrdinaryClock
	if len(cfg.Ports) > 1 {
		instanceType = datasets.BoundaryClock
	}
	i := &Instance{
		cfg: cfg,
		clk: clk,
		defaultDS: datasets.DefaultDS{
			ClockIdentity: cfg.ClockIdentity,
			NumberPorts:   uint16(len(cfg.Ports)),
			ClockQuality:  clk.Quality(),
			Priority1:     cfg.Priority1,
			Priority2:     cfg.Priority2,
			DomainNumber:  cfg.DomainNumber,
			SlaveOnly:     cfg.SlaveOnly,
			SdoID:         cfg.SdoID,
			InstanceType:  instanceType,
		},
		timeProps: cfg.TimeProperties,
	}
	if cfg.SlaveOnly {
		i.defaultDS.ClockQuality.ClockClass = ptp.ClockClassSlaveOnly
	}
	i.parentDS.TakeFromSelf(&i.defaultDS)
	for n, pc := range cfg.Ports {
		if pc.PortNumber == 0 {
			pc.PortNumber = uint16(n + 1)
		}
		if pc.PortNumber != uint16(n+1) {
			return nil, fmt.Errorf("port numbers must be contiguous starting from 1, got %d at position %d", pc.PortNumber, n)
		}
		i.ports = append(i.ports, port.NewPort(pc, &i.defaultDS, &i.parentDS, &i.currentDS, &i.timeProps, newServo()))
	}
	return i, nil
}

// DefaultDS returns a copy of the default dataset
func (i *Instance) DefaultDS() datasets.DefaultDS {
	return i.defaultDS
}

// CurrentDS returns a copy of the current dataset
func (i *Instance) CurrentDS() datasets.CurrentDS {
	return i.currentDS
}

// ParentDS returns a copy of the parent dataset
func (i *Instance) ParentDS() datasets.ParentDS {
	return i.parentDS
}

// TimePropertiesDS returns a copy of the time properties dataset
func (i *Instance) TimePropertiesDS() datasets.TimePropertiesDS {
	return i.timeProps
}

// Ports returns the instance ports, indexed by port number - 1
func (i *Instance) Ports() []*port.Port {
	return i.ports
}

func (i *Instance) portByNumber(portNumber uint16) (*port.Port, error) {
	if portNumber < 1 || int(portNumber) > len(i.ports) {
		return nil, fmt.Errorf("no such port %d", portNumber)
	}
	return i.ports[portNumber-1], nil
}

// MinAnnounceInterval is the shortest announce interval across ports, the
// cadence at which the adapter should drive periodic BMCA runs
func (i *Instance) MinAnnounceInterval() time.Duration {
	min := i.ports[0].DS().LogAnnounceInterval.Duration()
	for _, p := range i.ports[1:] {
		if d := p.DS().LogAnnounceInterval.Duration(); d < min {
			min = d
		}
	}
	return min
}

// Start brings all ports to Listening and runs the initial BMCA
func (i *Instance) Start() []port.Action {
	now := i.clk.Now()
	var actions []port.Action
	for _, p := range i.ports {
		actions = append(actions, p.Start(now)...)
	}
	return i.consume(actions)
}

// HandleMessage routes one received packet to its port
func (i *Instance) HandleMessage(portNumber uint16, data []byte, rxTS time.Time) ([]port.Action, error) {
	p, err := i.portByNumber(portNumber)
	if err != nil {
		return nil, err
	}
	actions := p.HandleMessage(data, rxTS, i.clk.Now())
	return i.afterHandle(p, actions), nil
}

// HandleTimer routes a timer expiry to its port
func (i *Instance) HandleTimer(portNumber uint16, kind port.TimerKind) ([]port.Action, error) {
	p, err := i.portByNumber(portNumber)
	if err != nil {
		return nil, err
	}
	actions := p.HandleTimer(kind, i.clk.Now())
	return i.afterHandle(p, actions), nil
}

// HandleSendTimestamp routes a transmit timestamp report to its port
func (i *Instance) HandleSendTimestamp(portNumber uint16, id uint16, ts time.Time) ([]port.Action, error) {
	p, err := i.portByNumber(portNumber)
	if err != nil {
		return nil, err
	}
	actions := p.HandleSendTimestamp(id, ts, i.clk.Now())
	return i.afterHandle(p, actions), nil
}

// MarkPortFaulty records a transport fault reported by the adapter
func (i *Instance) MarkPortFaulty(portNumber uint16, portErr error) ([]port.Action, error) {
	p, err := i.portByNumber(portNumber)
	if err != nil {
		return nil, err
	}
	actions := p.MarkFaulty(portErr)
	return i.afterHandle(p, actions), nil
}

// afterHandle consumes clock actions and follows up with a BMCA run if the
// port saw anything that may change the topology
func (i *Instance) afterHandle(p *port.Port, actions []port.Action) []port.Action {
	out := i.consume(actions)
	if p.TakeNeedsDecision() {
		out = append(out, i.RunBMCA()...)
	}
	return out
}

// consume intercepts clock adjustments and applies them through the Clock,
// everything else is passed through to the adapter
func (i *Instance) consume(actions []port.Action) []port.Action {
	out := actions[:0]
	for _, a := range actions {
		switch act := a.(type) {
		case port.AdjustFrequency:
			if err := i.clk.AdjustFrequencyPPM(act.PPM); err != nil {
				log.Errorf("failed to adjust clock frequency to %f ppm: %v", act.PPM, err)
			}
		case port.StepClock:
			if err := i.clk.Step(act.Step); err != nil {
				log.Errorf("failed to step clock by %v: %v", act.Step, err)
			}
		default:
			out = append(out, a)
		}
	}
	return out
}

// RunBMCA runs the best master clock algorithm across all ports and applies
// the outcome: dataset updates and per-port state transitions. The
// single-task discipline guarantees the foreign master tables don't change
// underneath it.
func (i *Instance) RunBMCA() []port.Action {
	now := i.clk.Now()

	// step 2: per-port best
	erbest := make([]*ptp.Announce, len(i.ports))
	for n, p := range i.ports {
		erbest[n] = p.Best(now)
	}
	// step 3: global best
	var ebest *ptp.Announce
	for _, msg := range erbest {
		if bmc.Better(msg, ebest) {
			ebest = msg
		}
	}

	// step 4: per-port recommended state
	recs := make([]*bmc.Recommendation, len(i.ports))
	var slave *port.Port
	var slaveRec *bmc.Recommendation
	for n, p := range i.ports {
		rec := bmc.CalculateRecommendedState(&i.defaultDS, ebest, erbest[n], p.DecisionState())
		if rec != nil && rec.Code == bmc.RecommendationS1 {
			if slave != nil || p.DS().MasterOnly {
				// only a single port may track the master; topological
				// corner cases where several ports hear the same sender
				// degrade the extras to passive
				if !p.DS().MasterOnly {
					rec = &bmc.Recommendation{Code: bmc.RecommendationP2, Announce: rec.Announce}
				}
			} else {
				slave = p
				slaveRec = rec
			}
		}
		recs[n] = rec
	}

	// step 5: dataset updates
	if slave != nil {
		i.becomeSlave(slave, slaveRec.Announce)
	} else {
		i.becomeGrandmaster()
	}

	var actions []port.Action
	for n, p := range i.ports {
		actions = append(actions, p.ApplyRecommendation(recs[n], now)...)
	}

	// a stale filter means the parent stopped serving us time: suspend
	// steering and report a clean dataset until measurements resume
	if slave != nil && slave.Stale(now) {
		i.currentDS.OffsetFromMaster = 0
		i.currentDS.MeanDelay = 0
	}
	return i.consume(actions)
}

func (i *Instance) becomeSlave(p *port.Port, announce *ptp.Announce) {
	i.slavePort = p.Number()
	i.parentDS.TakeFrom(announce)
	i.timeProps.TakeFrom(announce)
	i.currentDS.StepsRemoved = announce.StepsRemoved + 1
	i.parentDS.PathTrace = append(append([]ptp.ClockIdentity{}, announce.PathTrace()...), i.defaultDS.ClockIdentity)
	if err := i.clk.SetProperties(&i.timeProps); err != nil {
		log.Errorf("failed to set clock properties: %v", err)
	}
}

func (i *Instance) becomeGrandmaster() {
	if i.slavePort != 0 {
		log.Infof("no better master on any port, acting as grandmaster")
	}
	i.slavePort = 0
	i.parentDS.TakeFromSelf(&i.defaultDS)
	i.timeProps = i.cfg.TimeProperties
	i.currentDS = datasets.CurrentDS{}
}

// SlavePortNumber returns the port currently tracking a master, 0 when the
// instance is the grandmaster
func (i *Instance) SlavePortNumber() uint16 {
	return i.slavePort
}
