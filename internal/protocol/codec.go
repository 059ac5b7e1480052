package protocol

import (
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

// Frame preamble. Frames that do not start with it are rejected before any
// field parsing happens.
const (
	Magic   byte = 0xC7
	Version byte = 1

	headerLen = 2
)

// MaxChunkSize is the largest DATA chunk that still fits a LoRa frame next to
// the DATA header fields.
const MaxChunkSize = 250

// Top-level field numbers.
const (
	fieldType           protowire.Number = 1
	fieldSource         protowire.Number = 2
	fieldHopCount       protowire.Number = 3
	fieldCapabilities   protowire.Number = 4
	fieldTopologyEntry  protowire.Number = 5
	fieldTarget         protowire.Number = 6
	fieldRole           protowire.Number = 7
	fieldIssuedBy       protowire.Number = 8
	fieldTransmissionID protowire.Number = 9
	fieldChunkIndex     protowire.Number = 10
	fieldTotalChunks    protowire.Number = 11
	fieldChunk          protowire.Number = 12
	fieldDestination    protowire.Number = 13
	fieldCoordinator    protowire.Number = 14
)

// Capability sub-message field numbers.
const (
	capFlags        protowire.Number = 1
	capWidth        protowire.Number = 2
	capHeight       protowire.Number = 3
	capStorage      protowire.Number = 4
	capPowerProfile protowire.Number = 5
	capBattery      protowire.Number = 6
	capSolarMilli   protowire.Number = 7
)

// Capability flag bits.
const (
	flagAI uint64 = 1 << iota
	flagPSRAM
	flagSD
	flagCellular
	flagSatellite
	flagCoordinate
)

// Topology entry sub-message field numbers.
const (
	entryNodeID protowire.Number = 1
	entryRole   protowire.Number = 2
	entrySignal protowire.Number = 3
	entryHops   protowire.Number = 4
	entryAge    protowire.Number = 5
)

// Encode serialises m. It never fails; callers are expected to build
// messages through the constructors in this package.
func Encode(m Message) []byte {
	b := make([]byte, 0, 32+len(m.Chunk)+len(m.Nodes)*12)
	b = append(b, Magic, Version)
	b = appendVarint(b, fieldType, uint64(m.Type))
	b = appendVarint(b, fieldSource, uint64(m.Source))
	if m.HopCount != 0 {
		b = appendVarint(b, fieldHopCount, uint64(m.HopCount))
	}
	if m.Capabilities != nil {
		b = protowire.AppendTag(b, fieldCapabilities, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeCapabilities(*m.Capabilities))
	}
	if m.Coordinator != model.NoNode {
		b = appendVarint(b, fieldCoordinator, uint64(m.Coordinator))
	}
	for _, e := range m.Nodes {
		b = protowire.AppendTag(b, fieldTopologyEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeEntry(e))
	}
	if m.Target != model.NoNode {
		b = appendVarint(b, fieldTarget, uint64(m.Target))
	}
	switch m.Type {
	case TypeRoleAssignment, TypeRoleAck:
		b = appendVarint(b, fieldRole, uint64(m.Role))
	case TypeDiscovery, TypeDiscoveryResponse, TypeHeartbeat:
		if m.Role != model.RoleNode {
			b = appendVarint(b, fieldRole, uint64(m.Role))
		}
	}
	if m.IssuedBy != model.NoNode {
		b = appendVarint(b, fieldIssuedBy, uint64(m.IssuedBy))
	}
	if m.Destination != model.NoNode {
		b = appendVarint(b, fieldDestination, uint64(m.Destination))
	}
	if m.Type == TypeData || m.Type == TypeDataAck {
		b = appendVarint(b, fieldTransmissionID, uint64(m.TransmissionID))
		b = appendVarint(b, fieldChunkIndex, uint64(m.ChunkIndex))
	}
	if m.Type == TypeData {
		b = appendVarint(b, fieldTotalChunks, uint64(m.TotalChunks))
		b = protowire.AppendTag(b, fieldChunk, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Chunk)
	}
	return b
}

// EncodedSize returns len(Encode(m)) without keeping the buffer.
func EncodedSize(m Message) int {
	return len(Encode(m))
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func encodeCapabilities(c model.Capabilities) []byte {
	var flags uint64
	if c.HasAI {
		flags |= flagAI
	}
	if c.HasPSRAM {
		flags |= flagPSRAM
	}
	if c.HasSD {
		flags |= flagSD
	}
	if c.HasCellular {
		flags |= flagCellular
	}
	if c.HasSatellite {
		flags |= flagSatellite
	}
	if c.CanCoordinate {
		flags |= flagCoordinate
	}
	b := make([]byte, 0, 24)
	b = appendVarint(b, capFlags, flags)
	b = appendVarint(b, capWidth, uint64(c.MaxResolution.Width))
	b = appendVarint(b, capHeight, uint64(c.MaxResolution.Height))
	b = appendVarint(b, capStorage, c.AvailableStorage)
	b = appendVarint(b, capPowerProfile, uint64(c.PowerProfile))
	b = appendVarint(b, capBattery, uint64(c.BatteryLevel))
	b = appendVarint(b, capSolarMilli, uint64(voltsToMilli(c.SolarVoltage)))
	return b
}

func encodeEntry(e TopologyEntry) []byte {
	age := e.Age
	if age < 0 {
		age = 0
	}
	b := make([]byte, 0, 16)
	b = appendVarint(b, entryNodeID, uint64(e.NodeID))
	b = appendVarint(b, entryRole, uint64(e.Role))
	b = appendVarint(b, entrySignal, protowire.EncodeZigZag(int64(e.SignalStrength)))
	b = appendVarint(b, entryHops, uint64(e.HopCount))
	b = appendVarint(b, entryAge, uint64(age/time.Second))
	return b
}

func voltsToMilli(v float64) uint32 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= math.MaxUint32/1000 {
		return math.MaxUint32
	}
	return uint32(math.Round(v * 1000))
}

// Decode parses one frame. Every failure matches ErrMalformed.
func Decode(frame []byte) (Message, error) {
	var m Message
	if len(frame) < headerLen {
		return m, malformed(0, "frame too short (%d bytes)", len(frame))
	}
	if frame[0] != Magic {
		return m, malformed(0, "bad magic 0x%02x", frame[0])
	}
	if frame[1] != Version {
		return m, malformed(1, "unsupported version %d", frame[1])
	}

	var seenType, seenSource, seenTxID, seenIndex, seenTotal, seenChunk, seenRole bool
	b := frame[headerLen:]
	off := headerLen
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, malformed(off, "bad tag: %v", protowire.ParseError(n))
		}
		b, off = b[n:], off+n

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, malformed(off, "bad varint for field %d: %v", num, protowire.ParseError(n))
			}
			b, off = b[n:], off+n
			if err := setVarint(&m, num, v, off); err != nil {
				return Message{}, err
			}
			switch num {
			case fieldType:
				seenType = true
			case fieldSource:
				seenSource = true
			case fieldTransmissionID:
				seenTxID = true
			case fieldChunkIndex:
				seenIndex = true
			case fieldTotalChunks:
				seenTotal = true
			case fieldRole:
				seenRole = true
			}

		case typ == protowire.BytesType && isBytesField(num):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, malformed(off, "bad length-delimited field %d: %v", num, protowire.ParseError(n))
			}
			switch num {
			case fieldCapabilities:
				caps, err := decodeCapabilities(v, off)
				if err != nil {
					return Message{}, err
				}
				m.Capabilities = &caps
			case fieldTopologyEntry:
				e, err := decodeEntry(v, off)
				if err != nil {
					return Message{}, err
				}
				m.Nodes = append(m.Nodes, e)
			case fieldChunk:
				m.Chunk = append([]byte(nil), v...)
				seenChunk = true
			}
			b, off = b[n:], off+n

		default:
			// Unknown field or a known field with the wrong wire type.
			if isVarintField(num) || isBytesField(num) {
				return Message{}, malformed(off, "field %d has wire type %d", num, typ)
			}
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, malformed(off, "bad unknown field %d: %v", num, protowire.ParseError(n))
			}
			b, off = b[n:], off+n
		}
	}

	if !seenType || !m.Type.Valid() {
		return Message{}, malformed(off, "missing or unknown message type %d", m.Type)
	}
	if !seenSource || m.Source == model.NoNode {
		return Message{}, malformed(off, "missing source")
	}

	switch m.Type {
	case TypeDiscovery, TypeDiscoveryResponse, TypeHeartbeat:
		if m.Capabilities == nil {
			return Message{}, malformed(off, "%s without capabilities", m.Type)
		}
		if !m.Role.Valid() {
			return Message{}, malformed(off, "%s with unknown role %d", m.Type, uint8(m.Role))
		}
	case TypeRoleAssignment:
		if m.Target == model.NoNode || !seenRole || !m.Role.Valid() {
			return Message{}, malformed(off, "ROLE_ASSIGNMENT missing target or role")
		}
		if m.IssuedBy == model.NoNode {
			m.IssuedBy = m.Source
		}
	case TypeRoleAck:
		if !seenRole || !m.Role.Valid() {
			return Message{}, malformed(off, "ROLE_ACK missing role")
		}
		if m.Target == model.NoNode {
			m.Target = m.Source
		}
	case TypeData:
		if !seenTxID || !seenIndex || !seenTotal || !seenChunk {
			return Message{}, malformed(off, "DATA missing chunk header")
		}
		if m.TotalChunks == 0 || m.ChunkIndex >= m.TotalChunks {
			return Message{}, malformed(off, "DATA chunk %d out of range (total %d)", m.ChunkIndex, m.TotalChunks)
		}
	case TypeDataAck:
		if !seenTxID || !seenIndex {
			return Message{}, malformed(off, "DATA_ACK missing chunk header")
		}
	}
	return m, nil
}

func isVarintField(num protowire.Number) bool {
	switch num {
	case fieldType, fieldSource, fieldHopCount, fieldTarget, fieldRole, fieldIssuedBy,
		fieldTransmissionID, fieldChunkIndex, fieldTotalChunks, fieldDestination, fieldCoordinator:
		return true
	}
	return false
}

func isBytesField(num protowire.Number) bool {
	return num == fieldCapabilities || num == fieldTopologyEntry || num == fieldChunk
}

func setVarint(m *Message, num protowire.Number, v uint64, off int) error {
	switch num {
	case fieldType:
		if v > math.MaxUint8 {
			return malformed(off, "message type %d out of range", v)
		}
		m.Type = Type(v)
	case fieldSource:
		id, err := nodeID(v, off)
		if err != nil {
			return err
		}
		m.Source = id
	case fieldHopCount:
		m.HopCount = clampUint8(v)
	case fieldTarget:
		id, err := nodeID(v, off)
		if err != nil {
			return err
		}
		m.Target = id
	case fieldRole:
		if v > math.MaxUint8 {
			return malformed(off, "role %d out of range", v)
		}
		m.Role = model.Role(v)
	case fieldIssuedBy:
		id, err := nodeID(v, off)
		if err != nil {
			return err
		}
		m.IssuedBy = id
	case fieldDestination:
		id, err := nodeID(v, off)
		if err != nil {
			return err
		}
		m.Destination = id
	case fieldCoordinator:
		id, err := nodeID(v, off)
		if err != nil {
			return err
		}
		m.Coordinator = id
	case fieldTransmissionID:
		if v > math.MaxUint32 {
			return malformed(off, "transmission id %d out of range", v)
		}
		m.TransmissionID = uint32(v)
	case fieldChunkIndex:
		if v > math.MaxUint16 {
			return malformed(off, "chunk index %d out of range", v)
		}
		m.ChunkIndex = uint16(v)
	case fieldTotalChunks:
		if v > math.MaxUint16 {
			return malformed(off, "total chunks %d out of range", v)
		}
		m.TotalChunks = uint16(v)
	}
	return nil
}

func nodeID(v uint64, off int) (model.NodeID, error) {
	if v > math.MaxUint32 {
		return model.NoNode, malformed(off, "node id %d out of range", v)
	}
	return model.NodeID(v), nil
}

func clampUint8(v uint64) uint8 {
	if v > math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(v)
}

// walkFields iterates the varint fields of a nested message, skipping
// anything else.
func walkFields(b []byte, base int, fn func(num protowire.Number, v uint64) error) error {
	off := base
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(off, "bad nested tag: %v", protowire.ParseError(n))
		}
		b, off = b[n:], off+n
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return malformed(off, "bad nested field %d: %v", num, protowire.ParseError(n))
			}
			b, off = b[n:], off+n
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return malformed(off, "bad nested varint: %v", protowire.ParseError(n))
		}
		b, off = b[n:], off+n
		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}

func decodeCapabilities(b []byte, base int) (model.Capabilities, error) {
	var c model.Capabilities
	err := walkFields(b, base, func(num protowire.Number, v uint64) error {
		switch num {
		case capFlags:
			c.HasAI = v&flagAI != 0
			c.HasPSRAM = v&flagPSRAM != 0
			c.HasSD = v&flagSD != 0
			c.HasCellular = v&flagCellular != 0
			c.HasSatellite = v&flagSatellite != 0
			c.CanCoordinate = v&flagCoordinate != 0
		case capWidth:
			if v > math.MaxUint16 {
				return malformed(base, "resolution width %d out of range", v)
			}
			c.MaxResolution.Width = uint16(v)
		case capHeight:
			if v > math.MaxUint16 {
				return malformed(base, "resolution height %d out of range", v)
			}
			c.MaxResolution.Height = uint16(v)
		case capStorage:
			c.AvailableStorage = v
		case capPowerProfile:
			c.PowerProfile = clampUint8(v)
		case capBattery:
			if v > 100 {
				return malformed(base, "battery level %d out of range", v)
			}
			c.BatteryLevel = uint8(v)
		case capSolarMilli:
			if v > math.MaxUint32 {
				return malformed(base, "solar voltage out of range")
			}
			c.SolarVoltage = float64(v) / 1000
		}
		return nil
	})
	return c, err
}

func decodeEntry(b []byte, base int) (TopologyEntry, error) {
	var e TopologyEntry
	var seenID bool
	err := walkFields(b, base, func(num protowire.Number, v uint64) error {
		switch num {
		case entryNodeID:
			id, err := nodeID(v, base)
			if err != nil {
				return err
			}
			e.NodeID = id
			seenID = true
		case entryRole:
			if v > math.MaxUint8 || !model.Role(v).Valid() {
				return malformed(base, "topology entry role %d invalid", v)
			}
			e.Role = model.Role(v)
		case entrySignal:
			s := protowire.DecodeZigZag(v)
			if s < math.MinInt16 || s > math.MaxInt16 {
				return malformed(base, "signal strength %d out of range", s)
			}
			e.SignalStrength = int(s)
		case entryHops:
			e.HopCount = clampUint8(v)
		case entryAge:
			if v > uint64(math.MaxInt64/int64(time.Second)) {
				return malformed(base, "entry age out of range")
			}
			e.Age = time.Duration(v) * time.Second
		}
		return nil
	})
	if err != nil {
		return TopologyEntry{}, err
	}
	if !seenID || e.NodeID == model.NoNode {
		return TopologyEntry{}, malformed(base, "topology entry without node id")
	}
	return e, nil
}
