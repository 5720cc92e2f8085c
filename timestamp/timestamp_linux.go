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

package timestamp

import (
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// values from include/uapi/linux/net_tstamp.h, fixed by the kernel ABI
const (
	// HWTSTAMP_TX_ON
	hwtstampTXON int32 = 0x00000001
	// HWTSTAMP_FILTER_ALL
	hwtstampFilterAll int32 = 0x00000001
	// HWTSTAMP_FILTER_PTP_V2_EVENT
	hwtstampFilterPTPv2Event int32 = 0x0000000c
)

// tsConfig is struct hwtstamp_config, layout fixed by the kernel ABI
type tsConfig struct {
	flags    int32
	txType   int32
	rxFilter int32
}

// ifReq is struct ifreq as SIOCSHWTSTAMP expects it
type ifReq struct {
	name [unix.IFNAMSIZ]byte
	data uintptr
}

// unix.Cmsghdr size differs depending on platform
var cmsgHdrLen = binary.Size(unix.Cmsghdr{})

var tsOption = unix.SO_TIMESTAMPING_NEW

func init() {
	// kernels older than 5 don't support unix.SO_TIMESTAMPING_NEW
	var uname unix.Utsname
	if err := unix.Uname(&uname); err == nil {
		if uname.Release[0] < '5' {
			tsOption = unix.SO_TIMESTAMPING
		}
	}
}

// Sock is one timestamping-enabled socket: the event socket of a UDP
// transport or the AF_PACKET socket of a raw ethernet transport. It owns
// the read buffers, so one Sock must only be used from one goroutine.
type Sock struct {
	fd  int
	buf []byte
	oob []byte
	tmp []byte
}

// NewSock wraps an already bound socket file descriptor
func NewSock(fd int) *Sock {
	return &Sock{
		fd:  fd,
		buf: make([]byte, PayloadSizeBytes),
		oob: make([]byte, ControlSizeBytes),
		tmp: make([]byte, ControlSizeBytes),
	}
}

// Fd exposes the descriptor for further socket options (DSCP and such)
func (s *Sock) Fd() int {
	return s.fd
}

// Enable turns on timestamp generation of the requested type and puts the
// socket into blocking mode, which the receive loop needs.
func (s *Sock) Enable(timestampType, iface string) error {
	// OPT_TSONLY makes the kernel queue the timestamp as a cmsg alongside
	// an empty packet rather than a copy of the original one
	var flags int
	switch timestampType {
	case HWTIMESTAMP:
		if err := s.hwConfigure(iface); err != nil {
			return err
		}
		flags = unix.SOF_TIMESTAMPING_TX_HARDWARE |
			unix.SOF_TIMESTAMPING_RX_HARDWARE |
			unix.SOF_TIMESTAMPING_RAW_HARDWARE |
			unix.SOF_TIMESTAMPING_OPT_TSONLY
	case SWTIMESTAMP:
		flags = unix.SOF_TIMESTAMPING_TX_SOFTWARE |
			unix.SOF_TIMESTAMPING_RX_SOFTWARE |
			unix.SOF_TIMESTAMPING_SOFTWARE |
			unix.SOF_TIMESTAMPING_OPT_TSONLY
	default:
		return fmt.Errorf("unknown timestamp type %q", timestampType)
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, tsOption, flags); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1); err != nil {
		return err
	}
	return unix.SetNonblock(s.fd, false)
}

// hwConfigure asks the NIC to timestamp packets: ideally everything, PTP
// event packets at least
func (s *Sock) hwConfigure(iface string) error {
	for _, filter := range []int32{hwtstampFilterAll, hwtstampFilterPTPv2Event} {
		cfg := &tsConfig{txType: hwtstampTXON, rxFilter: filter}
		req := &ifReq{data: uintptr(unsafe.Pointer(cfg))}
		copy(req.name[:unix.IFNAMSIZ-1], iface)
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.fd), unix.SIOCSHWTSTAMP, uintptr(unsafe.Pointer(req)))
		if errno == 0 {
			return nil
		}
		if filter == hwtstampFilterPTPv2Event {
			return fmt.Errorf("failed to run ioctl SIOCSHWTSTAMP: %s (%d)", unix.ErrnoName(errno), errno)
		}
	}
	return nil
}

// Read blocks for the next packet and returns it with its receive
// timestamp. The returned slice is a copy, safe to hold on to.
func (s *Sock) Read() ([]byte, unix.Sockaddr, time.Time, error) {
	n, oobn, _, from, err := unix.Recvmsg(s.fd, s.buf, s.oob, 0)
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("failed to read timestamped packet: %w", err)
	}
	ts, err := cmsgTimestamp(s.oob[:oobn])
	data := make([]byte, n)
	copy(data, s.buf[:n])
	return data, from, ts, err
}

// TXTimestamp fetches the transmit timestamp of the last sent event
// message from the socket error queue. More than one timestamp can be
// queued up; the queue is drained completely so a later call doesn't
// return the timestamp of an earlier packet. Returns how many queue reads
// it took.
func (s *Sock) TXTimestamp() (time.Time, int, error) {
	var have int
	found := false
	attempts := 0
	for ; attempts < maxTXTS; attempts++ {
		if !found {
			// wait up to 1ms for the error-queue poll event
			fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLPRI}}
			_, _ = unix.Poll(fds, 1)
		}
		n, err := s.readErrQueue()
		if err != nil {
			if found {
				// we have a timestamp and the queue is empty now
				break
			}
			continue
		}
		// found one, still check whether a newer one is queued
		found = true
		have = n
		copy(s.oob, s.tmp)
	}
	if !found {
		return time.Time{}, attempts, fmt.Errorf("no TX timestamp found after %d tries", maxTXTS)
	}
	ts, err := cmsgTimestamp(s.oob[:have])
	return ts, attempts, err
}

// readErrQueue receives only the control part of an error-queue message,
// which is all a TX timestamp read cares about
func (s *Sock) readErrQueue() (int, error) {
	var msg unix.Msghdr
	msg.Control = &s.tmp[0]
	msg.SetControllen(len(s.tmp))
	_, _, errno := unix.Syscall(unix.SYS_RECVMSG, uintptr(s.fd), uintptr(unsafe.Pointer(&msg)), uintptr(unix.MSG_ERRQUEUE))
	if errno != 0 {
		return 0, errno
	}
	return int(msg.Controllen), nil
}

// cmsgTimestamp walks the socket control messages looking for the
// timestamping one. Both SO_TIMESTAMPING_NEW and SO_TIMESTAMPING message
// types must be accepted: some kernels answer a _NEW subscription with the
// old type.
func cmsgTimestamp(b []byte) (time.Time, error) {
	step := 0
	for i := 0; i+cmsgHdrLen <= len(b); i += step {
		h := (*unix.Cmsghdr)(unsafe.Pointer(&b[i]))
		step = int(h.Len)
		if h.Level != unix.SOL_SOCKET || (int(h.Type) != unix.SO_TIMESTAMPING_NEW && int(h.Type) != unix.SO_TIMESTAMPING) {
			continue
		}
		return timestampFromPayload(b[i+cmsgHdrLen : i+step])
	}
	return time.Time{}, fmt.Errorf("no timestamp in socket control messages")
}

// timestampFromPayload decodes struct scm_timestamping: three
// __kernel_timespec slots, of which only one is populated. Hardware
// timestamps land in slot 2, software ones in slot 0.
func timestampFromPayload(data []byte) (time.Time, error) {
	for _, slot := range []int{2, 0} {
		ts := timespecAt(data, slot)
		// can't use ts.IsZero here: a timestamp built via time.Unix(0, 0)
		// reports IsZero() == false
		if ts.UnixNano() != 0 {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("cmsg carried no usable timestamp")
}

// timespecAt reads one __kernel_timespec out of an scm_timestamping
// payload. Can't go through unix.Timespec, which still uses 32bit ints
// on 386.
func timespecAt(data []byte, slot int) time.Time {
	const size = 16 // 2 x 64bit ints
	off := slot * size
	if off+size > len(data) {
		return time.Time{}
	}
	sec := int64(binary.LittleEndian.Uint64(data[off : off+8]))
	nsec := int64(binary.LittleEndian.Uint64(data[off+8 : off+size]))
	return time.Unix(sec, nsec)
}
