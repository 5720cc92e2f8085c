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
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/opentimed/ptpd/ptp/daemon/stats"
	"github.com/opentimed/ptpd/ptp/instance"
	"github.com/opentimed/ptpd/ptp/port"
	ptp "github.com/opentimed/ptpd/ptp/protocol"
	"github.com/opentimed/ptpd/ptp/servo"
)

// linkPollInterval is how often the link monitor checks operational state
const linkPollInterval = time.Second

// Daemon multiplexes sockets, timers and signals onto the single task that
// drives the PTP instance
type Daemon struct {
	cfg    *Config
	inst   *instance.Instance
	stats  *stats.JSONStats
	timers *timerQueue

	// transports indexed by port number - 1
	transports []Transport
}

// New builds a daemon from config: system clock, instance, transports
func New(cfg *Config) (*Daemon, error) {
	if err := cfg.EnsureClockIdentity(); err != nil {
		return nil, err
	}
	ic, err := cfg.InstanceConfig()
	if err != nil {
		return nil, err
	}
	clk := newSysClock(ptp.ClockQuality{
		ClockClass:              cfg.ClockClass,
		ClockAccuracy:           cfg.ClockAccuracy,
		OffsetScaledLogVariance: 0xffff,
	})
	servoCfg := servo.DefaultKalmanCfg()
	servoCfg.StepThreshold = cfg.StepThreshold
	inst, err := instance.New(ic, clk, func() servo.Servo {
		return servo.NewKalmanServo(servoCfg)
	})
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		cfg:    cfg,
		inst:   inst,
		stats:  stats.NewJSONStats(),
		timers: newTimerQueue(),
	}
	for n, pc := range cfg.Ports {
		tr, err := NewTransport(uint16(n+1), &pc, cfg.TimestampType, cfg.DSCP)
		if err != nil {
			d.closeTransports()
			return nil, fmt.Errorf("opening transport for port %d: %w", n+1, err)
		}
		d.transports = append(d.transports, tr)
	}
	return d, nil
}

func (d *Daemon) closeTransports() {
	for _, tr := range d.transports {
		tr.Close()
	}
}

// apply performs the side effects the instance asked for
func (d *Daemon) apply(actions []port.Action) {
	for _, a := range actions {
		switch act := a.(type) {
		case port.SendMessage:
			tr := d.transports[act.PortNumber-1]
			txTS, err := tr.Send(act.Data, act.Class)
			if err != nil {
				log.Errorf("port %d: send failed: %v", act.PortNumber, err)
				followup, ferr := d.inst.MarkPortFaulty(act.PortNumber, err)
				if ferr == nil {
					d.apply(followup)
				}
				continue
			}
			if act.TimestampID != 0 {
				followup, err := d.inst.HandleSendTimestamp(act.PortNumber, act.TimestampID, txTS)
				if err == nil {
					d.apply(followup)
				}
			}
		case port.ScheduleTimer:
			d.timers.Schedule(act.PortNumber, act.Kind, act.Delay)
		case port.CancelTimers:
			d.timers.CancelAll(act.PortNumber)
		default:
			log.Debugf("unhandled action %T", a)
		}
	}
}

func (d *Daemon) publishStats() {
	d.stats.SetSnapshot(d.inst.Snapshot())
}

// Run is the daemon main loop, it returns when the context is cancelled
func (d *Daemon) Run(ctx context.Context) error {
	defer d.closeTransports()
	defer d.timers.Close()

	eg, ctx := errgroup.WithContext(ctx)

	rx := make(chan *inPacket, 64)
	for _, tr := range d.transports {
		tr := tr
		eg.Go(func() error {
			return tr.Run(ctx, rx)
		})
	}

	linkEvents := make(chan linkEvent, 4)
	linkmon, err := newLinkMonitor(d.cfg.Ports, linkPollInterval)
	if err != nil {
		log.Warningf("link monitoring disabled: %v", err)
	} else {
		eg.Go(func() error {
			return linkmon.Run(ctx, linkEvents)
		})
	}

	eg.Go(func() error {
		d.stats.Start(d.cfg.MonitoringPort)
		return nil
	})

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, unix.SIGHUP)
	defer signal.Stop(sighup)

	// the BMCA tick and the stats refresh
	bmcaTicker := time.NewTicker(d.inst.MinAnnounceInterval())
	defer bmcaTicker.Stop()
	metricTicker := time.NewTicker(d.cfg.MetricInterval)
	defer metricTicker.Stop()

	// everything below runs on this single goroutine, which is the
	// synchronization model the core expects
	d.apply(d.inst.Start())
	d.publishStats()

	for {
		select {
		case <-ctx.Done():
			return eg.Wait()
		case pkt := <-rx:
			actions, err := d.inst.HandleMessage(pkt.portNumber, pkt.data, pkt.ts)
			if err != nil {
				log.Warningf("dropping packet: %v", err)
				continue
			}
			d.apply(actions)
		case ev := <-d.timers.c:
			actions, err := d.inst.HandleTimer(ev.portNumber, ev.kind)
			if err != nil {
				log.Warningf("dropping timer event: %v", err)
				continue
			}
			d.apply(actions)
		case ev := <-linkEvents:
			if ev.up {
				log.Infof("port %d: link is back up", ev.portNumber)
				continue
			}
			actions, err := d.inst.MarkPortFaulty(ev.portNumber, fmt.Errorf("link down"))
			if err == nil {
				d.apply(actions)
			}
		case <-bmcaTicker.C:
			d.apply(d.inst.RunBMCA())
			d.publishStats()
		case <-metricTicker.C:
			d.stats.CollectSysStats(d.cfg.MetricInterval)
			d.publishStats()
		case <-sighup:
			dc, err := d.cfg.ReloadDynamicConfig()
			if err != nil {
				log.Errorf("config reload failed: %v", err)
				continue
			}
			log.Infof("dynamic config reloaded: %+v", dc)
			d.stats.UpdateCounterBy("daemon.reload", 1)
		}
	}
}
