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
	"bytes"
	"encoding/binary"
	"fmt"
)

// tlvHeadSize is the size of the tlvType and lengthField fields
const tlvHeadSize = 4

// TLV abstracts away any TLV attached to a message
type TLV interface {
	Type() TLVType
}

// PathTraceTLV Table 115 PATH_TRACE TLV format.
// The path sequence lists the clock identities of all Boundary Clocks the
// Announce traversed, in order, and is how rogue-master loops are detected.
type PathTraceTLV struct {
	PathSequence []ClockIdentity
}

// Type implements TLV interface
func (p *PathTraceTLV) Type() TLVType {
	return TLVPathTrace
}

// Contains checks if the path sequence contains given clock identity
func (p *PathTraceTLV) Contains(c ClockIdentity) bool {
	for _, id := range p.PathSequence {
		if id == c {
			return true
		}
	}
	return false
}

// MarshalBinary converts tlv to []bytes
func (p *PathTraceTLV) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.BigEndian, TLVPathTrace); err != nil {
		return nil, err
	}
	if err := binary.Write(&b, binary.BigEndian, uint16(len(p.PathSequence)*8)); err != nil {
		return nil, err
	}
	for _, id := range p.PathSequence {
		if err := binary.Write(&b, binary.BigEndian, id); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}

// RawTLV holds a TLV we don't interpret. It preserves the value bytes so
// masters can forward such TLVs with outgoing Announce messages unchanged.
type RawTLV struct {
	TLVType    TLVType
	ValueField []byte
}

// Type implements TLV interface
func (p *RawTLV) Type() TLVType {
	return p.TLVType
}

// MarshalBinary converts tlv to []bytes
func (p *RawTLV) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.BigEndian, p.TLVType); err != nil {
		return nil, err
	}
	if err := binary.Write(&b, binary.BigEndian, uint16(len(p.ValueField))); err != nil {
		return nil, err
	}
	if _, err := b.Write(p.ValueField); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// readTLVs decodes a sequence of TLVs packed at the end of a message
func readTLVs(data []byte) ([]TLV, error) {
	var tlvs []TLV
	pos := 0
	for pos+tlvHeadSize <= len(data) {
		tlvType := TLVType(binary.BigEndian.Uint16(data[pos:]))
		length := int(binary.BigEndian.Uint16(data[pos+2:]))
		if pos+tlvHeadSize+length > len(data) {
			return nil, fmt.Errorf("TLV %s is too short, need %d bytes got %d", tlvType, length, len(data)-pos-tlvHeadSize)
		}
		value := data[pos+tlvHeadSize : pos+tlvHeadSize+length]
		switch tlvType {
		case TLVPathTrace:
			if length%8 != 0 {
				return nil, fmt.Errorf("PATH_TRACE TLV length %d is not a multiple of 8", length)
			}
			pt := &PathTraceTLV{}
			for i := 0; i < length; i += 8 {
				pt.PathSequence = append(pt.PathSequence, ClockIdentity(binary.BigEndian.Uint64(value[i:])))
			}
			tlvs = append(tlvs, pt)
		default:
			raw := &RawTLV{TLVType: tlvType, ValueField: append([]byte{}, value...)}
			tlvs = append(tlvs, raw)
		}
		pos += tlvHeadSize + length
	}
	return tlvs, nil
}

// writeTLVs encodes TLVs in order, to be appended to a message body
func writeTLVs(tlvs []TLV) ([]byte, error) {
	var b bytes.Buffer
	for _, tlv := range tlvs {
		m, ok := tlv.(interface{ MarshalBinary() ([]byte, error) })
		if !ok {
			return nil, fmt.Errorf("TLV %s is not serializable", tlv.Type())
		}
		raw, err := m.MarshalBinary()
		if err != nil {
			return nil, err
		}
		if _, err := b.Write(raw); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}
