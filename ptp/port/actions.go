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

package port

import (
	"time"
)

// MessageClass tells the adapter which socket a message goes out of
type MessageClass uint8

// PTP message classes
const (
	ClassEvent MessageClass = iota
	ClassGeneral
)

// MessageClassToString is a map from MessageClass to string
var MessageClassToString = map[MessageClass]string{
	ClassEvent:   "EVENT",
	ClassGeneral: "GENERAL",
}

func (c MessageClass) String() string {
	return MessageClassToString[c]
}

// TimerKind enumerates the timers a port may have pending with the adapter.
// There is at most one pending timer per kind per port: scheduling a kind
// again replaces the previous deadline.
type TimerKind uint8

// All the port timers
const (
	// TimerAnnounce fires when a Master port should emit the next Announce
	TimerAnnounce TimerKind = iota + 1
	// TimerSync fires when a Master port should emit the next Sync
	TimerSync
	// TimerDelayRequest fires when a Slave port should issue a Delay_Req
	TimerDelayRequest
	// TimerPDelayRequest fires when a port running the P2P mechanism
	// should issue the next Pdelay_Req
	TimerPDelayRequest
	// TimerAnnounceReceiptTimeout fires when no Announce arrived from the
	// selected master for announceReceiptTimeout announce intervals
	TimerAnnounceReceiptTimeout
	// TimerQualification moves a PreMaster port to Master
	TimerQualification
	// TimerReinit re-attempts initialization of a Faulty port
	TimerReinit
)

// TimerKindToString is a map from TimerKind to string
var TimerKindToString = map[TimerKind]string{
	TimerAnnounce:               "ANNOUNCE",
	TimerSync:                   "SYNC",
	TimerDelayRequest:           "DELAY_REQUEST",
	TimerPDelayRequest:          "PDELAY_REQUEST",
	TimerAnnounceReceiptTimeout: "ANNOUNCE_RECEIPT_TIMEOUT",
	TimerQualification:          "QUALIFICATION",
	TimerReinit:                 "REINIT",
}

func (k TimerKind) String() string {
	return TimerKindToString[k]
}

// Action is a side effect the core asks the adapter to perform. The core
// itself never does I/O.
type Action interface {
	isAction()
}

// SendMessage asks the adapter to transmit a packet on the port's network
// interface. If TimestampID is non zero the message is an event message and
// the adapter must report the transmit timestamp back through
// HandleSendTimestamp with the same id.
type SendMessage struct {
	PortNumber  uint16
	Data        []byte
	Class       MessageClass
	TimestampID uint16
}

func (SendMessage) isAction() {}

// ScheduleTimer asks the adapter to deliver a TimerFired event for the kind
// after the delay. It replaces any pending timer of the same kind.
type ScheduleTimer struct {
	PortNumber uint16
	Kind       TimerKind
	Delay      time.Duration
}

func (ScheduleTimer) isAction() {}

// CancelTimers asks the adapter to drop all pending timers of the port
type CancelTimers struct {
	PortNumber uint16
}

func (CancelTimers) isAction() {}

// AdjustFrequency asks for a frequency correction of the local clock.
// Consumed by the instance, which owns the Clock.
type AdjustFrequency struct {
	PPM float64
}

func (AdjustFrequency) isAction() {}

// StepClock asks for a hard phase step of the local clock.
// Consumed by the instance, which owns the Clock.
type StepClock struct {
	Step time.Duration
}

func (StepClock) isAction() {}
