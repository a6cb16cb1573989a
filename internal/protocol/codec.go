package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Quantization factors. Positions land on a 1/16 unit lattice, velocities on
// 1/256; capacitation is a single byte over [0,1]. Dequantized values differ
// from the source by less than one lattice step.
const (
	PosQ = 16
	VelQ = 256
)

// Wire layout per entity: id u32, qx i32, qy i32, qvx i16, qvy i16,
// region u8, qcap u8, flags u8.
const entityPackSize = 4 + 4 + 4 + 2 + 2 + 1 + 1 + 1

// Snapshot header: serverTick u32, viewer i32, count u16. Viewer -1 marks a
// spectator broadcast with no personal-perspective entity.
const snapshotHeaderSize = 4 + 4 + 2

const SpectatorViewer = int32(-1)

// EntityState is the unquantized per-entity view produced by the simulation.
type EntityState struct {
	ID           uint32
	X, Y         float64
	VX, VY       float64
	Region       int
	Capacitation float64
	Flags        uint8
}

// EntityPack is the quantized 8-field tuple that goes on the wire.
type EntityPack struct {
	ID       uint32
	QX, QY   int32
	QVX, QVY int16
	Region   uint8
	QCap     uint8
	Flags    uint8
}

// Snapshot is one interest-filtered world view for a single viewer.
type Snapshot struct {
	ServerTick uint32
	Viewer     int32
	Entities   []EntityPack
}

func QuantizePos(v float64) int32   { return int32(math.Round(v * PosQ)) }
func DequantizePos(q int32) float64 { return float64(q) / PosQ }
func DequantizeVel(q int16) float64 { return float64(q) / VelQ }
func DequantizeCap(q uint8) float64 { return float64(q) / 255 }

func QuantizeVel(v float64) int16 {
	q := math.Round(v * VelQ)
	if q > math.MaxInt16 {
		return math.MaxInt16
	}
	if q < math.MinInt16 {
		return math.MinInt16
	}
	return int16(q)
}

func QuantizeCap(v float64) uint8 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return uint8(math.Round(v * 255))
}

// PackEntity quantizes an entity state into its wire tuple.
func PackEntity(e EntityState) EntityPack {
	return EntityPack{
		ID:     e.ID,
		QX:     QuantizePos(e.X),
		QY:     QuantizePos(e.Y),
		QVX:    QuantizeVel(e.VX),
		QVY:    QuantizeVel(e.VY),
		Region: uint8(e.Region),
		QCap:   QuantizeCap(e.Capacitation),
		Flags:  e.Flags,
	}
}

// UnpackEntity dequantizes a wire tuple back to entity state.
func UnpackEntity(p EntityPack) EntityState {
	return EntityState{
		ID:           p.ID,
		X:            DequantizePos(p.QX),
		Y:            DequantizePos(p.QY),
		VX:           DequantizeVel(p.QVX),
		VY:           DequantizeVel(p.QVY),
		Region:       int(p.Region),
		Capacitation: DequantizeCap(p.QCap),
		Flags:        p.Flags,
	}
}

// EncodeSnapshot serializes a snapshot to its little-endian binary frame.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	if len(s.Entities) > math.MaxUint16 {
		return nil, fmt.Errorf("snapshot entity count %d exceeds frame limit", len(s.Entities))
	}
	buf := make([]byte, snapshotHeaderSize+len(s.Entities)*entityPackSize)
	binary.LittleEndian.PutUint32(buf[0:], s.ServerTick)
	binary.LittleEndian.PutUint32(buf[4:], uint32(s.Viewer))
	binary.LittleEndian.PutUint16(buf[8:], uint16(len(s.Entities)))
	off := snapshotHeaderSize
	for _, p := range s.Entities {
		binary.LittleEndian.PutUint32(buf[off:], p.ID)
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(p.QX))
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(p.QY))
		binary.LittleEndian.PutUint16(buf[off+12:], uint16(p.QVX))
		binary.LittleEndian.PutUint16(buf[off+14:], uint16(p.QVY))
		buf[off+16] = p.Region
		buf[off+17] = p.QCap
		buf[off+18] = p.Flags
		off += entityPackSize
	}
	return buf, nil
}

// DecodeSnapshot parses and validates a binary snapshot frame. Truncated or
// oversized frames, zero entity ids, spectator-range viewers other than -1
// and out-of-range region indices are rejected.
func DecodeSnapshot(buf []byte) (Snapshot, error) {
	var s Snapshot
	if len(buf) < snapshotHeaderSize {
		return s, fmt.Errorf("snapshot frame too short: %d bytes", len(buf))
	}
	s.ServerTick = binary.LittleEndian.Uint32(buf[0:])
	s.Viewer = int32(binary.LittleEndian.Uint32(buf[4:]))
	count := int(binary.LittleEndian.Uint16(buf[8:]))
	if s.Viewer < 0 && s.Viewer != SpectatorViewer {
		return s, fmt.Errorf("invalid viewer id %d", s.Viewer)
	}
	want := snapshotHeaderSize + count*entityPackSize
	if len(buf) != want {
		return s, fmt.Errorf("snapshot frame length %d, want %d for %d entities", len(buf), want, count)
	}
	s.Entities = make([]EntityPack, 0, count)
	off := snapshotHeaderSize
	for i := 0; i < count; i++ {
		p := EntityPack{
			ID:     binary.LittleEndian.Uint32(buf[off:]),
			QX:     int32(binary.LittleEndian.Uint32(buf[off+4:])),
			QY:     int32(binary.LittleEndian.Uint32(buf[off+8:])),
			QVX:    int16(binary.LittleEndian.Uint16(buf[off+12:])),
			QVY:    int16(binary.LittleEndian.Uint16(buf[off+14:])),
			Region: buf[off+16],
			QCap:   buf[off+17],
			Flags:  buf[off+18],
		}
		if p.ID == 0 {
			return s, fmt.Errorf("entity %d: zero id", i)
		}
		if int(p.Region) >= RegionCount {
			return s, fmt.Errorf("entity %d: region %d out of range", i, p.Region)
		}
		s.Entities = append(s.Entities, p)
		off += entityPackSize
	}
	return s, nil
}
