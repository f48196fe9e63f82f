// Package policytable mirrors the read-only shared-memory layout the
// companion load-balancing agent publishes (§6): a fixed-width server
// policy header followed by server_num server_info entries. This core
// never writes the table — it only needs to pin the wire contract for
// anything that reads it — so the package exposes Encode for tests and
// fixture generation plus Decode for consumption.
package policytable

import (
	"encoding/binary"
	"errors"
	"math"
)

// PortMax bounds the per-server port list, matching the agent's
// fixed-size server_info.port array.
const PortMax = 8

// Port type values for ServerInfo.PortType.
const (
	PortUDP  = 1
	PortTCP  = 2
	PortBoth = 3
)

// ErrTruncated is returned by Decode when the input is shorter than
// the header or the declared server_num requires.
var ErrTruncated = errors.New("policytable: truncated input")

// ServerInfo is one entry in ShmServers.Servers, laid out exactly as
// struct server_info.
type ServerInfo struct {
	ServerIP     uint32 // network byte order, as published by the agent
	WeightStatic uint16
	PortType     uint8
	PortNum      uint8
	Port         [PortMax]uint16
}

const serverInfoSize = 4 + 2 + 1 + 1 + PortMax*2

// ShmServers mirrors struct shm_servers.
type ShmServers struct {
	Version             uint32
	Policy              uint32
	ServerNum           uint32
	WeightStaticTotal   uint32
	ShapingRequestMin   int32
	SuccessRatioBase    float32
	SuccessRatioMin     float32
	ResumeWeightRatio   float32
	DeadRetryRatio      float32
	WeightLowWatermark  float32
	WeightLowRatio      float32
	WeightIncrRatio     float32
	Servers             []ServerInfo
}

const headerSize = 4*4 + 4 + 4*7 // four u32 + one i32 + seven f32

// Encode serializes s in the agent's native layout, little-endian for
// the numeric header fields and network byte order for ServerIP,
// matching the "server_ip // network byte order" field comment.
func Encode(s *ShmServers) []byte {
	buf := make([]byte, headerSize+len(s.Servers)*serverInfoSize)
	o := 0
	binary.LittleEndian.PutUint32(buf[o:], s.Version)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], s.Policy)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(len(s.Servers)))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], s.WeightStaticTotal)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(s.ShapingRequestMin))
	o += 4
	for _, f := range []float32{
		s.SuccessRatioBase, s.SuccessRatioMin, s.ResumeWeightRatio,
		s.DeadRetryRatio, s.WeightLowWatermark, s.WeightLowRatio, s.WeightIncrRatio,
	} {
		binary.LittleEndian.PutUint32(buf[o:], math.Float32bits(f))
		o += 4
	}
	for _, sv := range s.Servers {
		binary.BigEndian.PutUint32(buf[o:], sv.ServerIP) // network byte order
		o += 4
		binary.LittleEndian.PutUint16(buf[o:], sv.WeightStatic)
		o += 2
		buf[o] = sv.PortType
		o++
		buf[o] = sv.PortNum
		o++
		for _, p := range sv.Port {
			binary.LittleEndian.PutUint16(buf[o:], p)
			o += 2
		}
	}
	return buf
}

// Decode parses the agent's wire format, as written by Encode.
func Decode(data []byte) (*ShmServers, error) {
	if len(data) < headerSize {
		return nil, ErrTruncated
	}
	s := &ShmServers{}
	o := 0
	s.Version = binary.LittleEndian.Uint32(data[o:])
	o += 4
	s.Policy = binary.LittleEndian.Uint32(data[o:])
	o += 4
	s.ServerNum = binary.LittleEndian.Uint32(data[o:])
	o += 4
	s.WeightStaticTotal = binary.LittleEndian.Uint32(data[o:])
	o += 4
	s.ShapingRequestMin = int32(binary.LittleEndian.Uint32(data[o:]))
	o += 4

	floats := make([]float32, 7)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[o:]))
		o += 4
	}
	s.SuccessRatioBase = floats[0]
	s.SuccessRatioMin = floats[1]
	s.ResumeWeightRatio = floats[2]
	s.DeadRetryRatio = floats[3]
	s.WeightLowWatermark = floats[4]
	s.WeightLowRatio = floats[5]
	s.WeightIncrRatio = floats[6]

	need := headerSize + int(s.ServerNum)*serverInfoSize
	if len(data) < need {
		return nil, ErrTruncated
	}

	s.Servers = make([]ServerInfo, s.ServerNum)
	for i := range s.Servers {
		sv := &s.Servers[i]
		sv.ServerIP = binary.BigEndian.Uint32(data[o:])
		o += 4
		sv.WeightStatic = binary.LittleEndian.Uint16(data[o:])
		o += 2
		sv.PortType = data[o]
		o++
		sv.PortNum = data[o]
		o++
		for p := 0; p < PortMax; p++ {
			sv.Port[p] = binary.LittleEndian.Uint16(data[o:])
			o += 2
		}
	}
	return s, nil
}
