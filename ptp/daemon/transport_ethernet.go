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
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/opentimed/ptpd/ptp/port"
	ptp "github.com/opentimed/ptpd/ptp/protocol"
	"github.com/opentimed/ptpd/timestamp"
)

// EtherType of PTP over IEEE 802.3, Annex E
const etherTypePTP = 0x88F7

// PTP multicast MAC addresses: the default group and the link-local group
// used by the peer delay mechanism
var (
	mcastMAC       = net.HardwareAddr{0x01, 0x1B, 0x19, 0x00, 0x00, 0x00}
	mcastPdelayMAC = net.HardwareAddr{0x01, 0x80, 0xC2, 0x00, 0x00, 0x0E}
)

// ethTransport is PTP over raw IEEE 802.3 frames on an AF_PACKET socket
type ethTransport struct {
	portNumber uint16
	iface      *net.Interface
	fd         int
	sock       *timestamp.Sock
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

func newEthTransport(portNumber uint16, ifname string, timestampType string) (*ethTransport, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(etherTypePTP)))
	if err != nil {
		return nil, err
	}
	t := &ethTransport{portNumber: portNumber, iface: iface, fd: fd}
	sll := &unix.SockaddrLinklayer{
		Protocol: htons(etherTypePTP),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, sll); err != nil {
		t.Close()
		return nil, err
	}
	// subscribe to both PTP multicast groups
	for _, mac := range []net.HardwareAddr{mcastMAC, mcastPdelayMAC} {
		mreq := &unix.PacketMreq{
			Ifindex: int32(iface.Index),
			Type:    unix.PACKET_MR_MULTICAST,
			Alen:    6,
		}
		copy(mreq.Address[:], mac)
		if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, mreq); err != nil {
			t.Close()
			return nil, err
		}
	}
	t.sock = timestamp.NewSock(fd)
	if err := t.sock.Enable(timestampType, ifname); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to enable %s timestamps on %s: %w", timestampType, ifname, err)
	}
	return t, nil
}

// dstMAC picks the multicast group: peer delay messages use the
// link-local group that bridges never forward
func dstMAC(b []byte) net.HardwareAddr {
	msgType, err := ptp.ProbeMsgType(b)
	if err != nil {
		return mcastMAC
	}
	switch msgType {
	case ptp.MessagePDelayReq, ptp.MessagePDelayResp, ptp.MessagePDelayRespFollowUp:
		return mcastPdelayMAC
	}
	return mcastMAC
}

// Send wraps the message into an 802.3 frame and transmits it
func (t *ethTransport) Send(b []byte, class port.MessageClass) (time.Time, error) {
	eth := &layers.Ethernet{
		SrcMAC:       t.iface.HardwareAddr,
		DstMAC:       dstMAC(b),
		EthernetType: layers.EthernetType(etherTypePTP),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{}
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(b)); err != nil {
		return time.Time{}, err
	}
	dst := &unix.SockaddrLinklayer{
		Protocol: htons(etherTypePTP),
		Ifindex:  t.iface.Index,
		Halen:    6,
	}
	copy(dst.Addr[:], eth.DstMAC)
	if err := unix.Sendto(t.fd, buf.Bytes(), 0, dst); err != nil {
		return time.Time{}, err
	}
	if class == port.ClassGeneral {
		return time.Time{}, nil
	}
	ts, attempts, err := t.sock.TXTimestamp()
	if err != nil {
		log.Debugf("port %d: no TX timestamp after %d attempts: %v", t.portNumber, attempts, err)
		return time.Time{}, nil
	}
	return ts, nil
}

// Run receives frames until the context is done
func (t *ethTransport) Run(ctx context.Context, rx chan<- *inPacket) error {
	doneChan := make(chan error, 1)
	go func() {
		for {
			frame, _, ts, err := t.sock.Read()
			if err != nil {
				doneChan <- err
				return
			}
			packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
			ethLayer := packet.Layer(layers.LayerTypeEthernet)
			if ethLayer == nil {
				continue
			}
			eth := ethLayer.(*layers.Ethernet)
			if eth.EthernetType != layers.EthernetType(etherTypePTP) {
				continue
			}
			data := make([]byte, len(eth.Payload))
			copy(data, eth.Payload)
			rx <- &inPacket{portNumber: t.portNumber, data: data, ts: ts}
		}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-doneChan:
		return err
	}
}

// Close releases the socket
func (t *ethTransport) Close() error {
	return unix.Close(t.fd)
}
