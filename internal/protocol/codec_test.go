package protocol

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

func sampleCaps() model.Capabilities {
	return model.Capabilities{
		HasAI:            true,
		HasPSRAM:         true,
		MaxResolution:    model.ResolutionFHD,
		AvailableStorage: 32 << 20,
		HasSD:            true,
		PowerProfile:     3,
		BatteryLevel:     87,
		SolarVoltage:     4.35,
		HasSatellite:     true,
		CanCoordinate:    true,
	}
}

func TestEncodeDecodeDiscoveryCarriesCapabilities(t *testing.T) {
	msg := Discovery(12, model.RoleNode, sampleCaps())
	msg.HopCount = 2

	got, err := Decode(Encode(msg))
	require.NoError(t, err)
	require.Equal(t, TypeDiscovery, got.Type)
	require.Equal(t, model.NodeID(12), got.Source)
	require.Equal(t, uint8(2), got.HopCount)
	require.NotNil(t, got.Capabilities)
	require.Equal(t, sampleCaps(), *got.Capabilities)
}

func TestAdvertisementsCarrySenderRole(t *testing.T) {
	for _, msg := range []Message{
		Heartbeat(12, model.RoleStealth, sampleCaps()),
		DiscoveryResponse(12, model.RoleCoordinator, sampleCaps()),
		Discovery(12, model.RoleNode, sampleCaps()),
	} {
		got, err := Decode(Encode(msg))
		require.NoError(t, err)
		require.Equal(t, msg.Type, got.Type)
		require.Equal(t, msg.Role, got.Role, "%s", msg.Type)
	}
}

func TestEncodeDecodeTopologyUpdate(t *testing.T) {
	entries := []TopologyEntry{
		{NodeID: 5, Role: model.RoleCoordinator, SignalStrength: -61, HopCount: 0, Age: 4 * time.Second},
		{NodeID: 12, Role: model.RoleStealth, SignalStrength: -104, HopCount: 2, Age: 90 * time.Second},
	}
	got, err := Decode(Encode(TopologyUpdate(5, 5, entries)))
	require.NoError(t, err)
	require.Equal(t, TypeTopologyUpdate, got.Type)
	require.Equal(t, model.NodeID(5), got.Coordinator)
	require.Equal(t, entries, got.Nodes)
}

func TestEncodeDecodeRoleMessages(t *testing.T) {
	assign, err := Decode(Encode(RoleAssignment(5, 12, model.RoleStealth)))
	require.NoError(t, err)
	require.Equal(t, model.NodeID(12), assign.Target)
	require.Equal(t, model.RoleStealth, assign.Role)
	require.Equal(t, model.NodeID(5), assign.IssuedBy)

	// RoleNode is the zero role and must still survive the trip.
	ack, err := Decode(Encode(RoleAck(12, model.RoleNode)))
	require.NoError(t, err)
	require.Equal(t, TypeRoleAck, ack.Type)
	require.Equal(t, model.RoleNode, ack.Role)
	require.Equal(t, model.NodeID(12), ack.Target)
}

func TestEncodeDecodeDataChunk(t *testing.T) {
	chunk := make([]byte, MaxChunkSize)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	frame := Encode(Data(12, 5, 77, 0, 20, chunk))
	require.LessOrEqual(t, len(frame), 270)

	got, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, uint32(77), got.TransmissionID)
	require.Equal(t, uint16(0), got.ChunkIndex)
	require.Equal(t, uint16(20), got.TotalChunks)
	require.Equal(t, model.NodeID(5), got.Destination)
	require.Equal(t, chunk, got.Chunk)

	// The decoded chunk must not alias the frame buffer.
	frame[len(frame)-1] ^= 0xFF
	require.Equal(t, byte(MaxChunkSize-1), got.Chunk[MaxChunkSize-1])

	ack, err := Decode(Encode(DataAck(5, 12, 77, 0)))
	require.NoError(t, err)
	require.Equal(t, TypeDataAck, ack.Type)
	require.Equal(t, uint16(0), ack.ChunkIndex)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	valid := Encode(Heartbeat(3, model.RoleNode, sampleCaps()))

	cases := map[string][]byte{
		"empty":         nil,
		"one byte":      {Magic},
		"bad magic":     append([]byte{0x00}, valid[1:]...),
		"bad version":   append([]byte{Magic, 9}, valid[2:]...),
		"header only":   {Magic, Version},
		"truncated":     valid[:len(valid)-3],
		"no caps":       Encode(Message{Type: TypeHeartbeat, Source: 3}),
		"no source":     Encode(Message{Type: TypeDiscovery, Capabilities: &model.Capabilities{}}),
		"unknown type":  Encode(Message{Type: Type(42), Source: 3}),
		"chunk range":   Encode(Message{Type: TypeData, Source: 3, Destination: 5, TransmissionID: 1, ChunkIndex: 4, TotalChunks: 4, Chunk: []byte{1}}),
		"assign no tgt": Encode(Message{Type: TypeRoleAssignment, Source: 3, Role: model.RoleHub}),
		"advert role":   Encode(Message{Type: TypeHeartbeat, Source: 3, Role: model.Role(40), Capabilities: &model.Capabilities{}}),
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(frame)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrMalformed), "error %v should match ErrMalformed", err)
			var de *DecodeError
			require.True(t, errors.As(err, &de))
		})
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	frame := Encode(Heartbeat(9, model.RoleRelay, sampleCaps()))
	frame = protowire.AppendTag(frame, 99, protowire.BytesType)
	frame = protowire.AppendBytes(frame, []byte("future extension"))
	frame = protowire.AppendTag(frame, 100, protowire.Fixed32Type)
	frame = protowire.AppendFixed32(frame, 0xdeadbeef)

	got, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, model.NodeID(9), got.Source)
}

func TestDecodeGarbageNeverPanics(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	seeds := [][]byte{
		Encode(Discovery(1, model.RoleNode, sampleCaps())),
		Encode(TopologyUpdate(1, 1, []TopologyEntry{{NodeID: 2, SignalStrength: -80}})),
		Encode(Data(1, 2, 3, 1, 4, []byte("abc"))),
	}
	for i := 0; i < 5000; i++ {
		var frame []byte
		if i%2 == 0 {
			frame = make([]byte, rng.Intn(64))
			rng.Read(frame)
			if len(frame) >= 2 {
				frame[0], frame[1] = Magic, Version
			}
		} else {
			seed := seeds[rng.Intn(len(seeds))]
			frame = append([]byte(nil), seed...)
			for j := 0; j < 1+rng.Intn(4); j++ {
				frame[rng.Intn(len(frame))] = byte(rng.Intn(256))
			}
			frame = frame[:rng.Intn(len(frame)+1)]
		}
		msg, err := Decode(frame)
		if err != nil {
			require.ErrorIs(t, err, ErrMalformed)
			continue
		}
		require.True(t, msg.Type.Valid())
	}
}

func TestSplitTopologyFitsFrames(t *testing.T) {
	var entries []TopologyEntry
	for i := 1; i <= 50; i++ {
		entries = append(entries, TopologyEntry{
			NodeID:         model.NodeID(1000 + i),
			Role:           model.RoleRelay,
			SignalStrength: -118,
			HopCount:       5,
			Age:            299 * time.Second,
		})
	}
	msgs := SplitTopology(1001, 1001, entries, 255)
	require.Greater(t, len(msgs), 1)

	total := 0
	for _, m := range msgs {
		require.LessOrEqual(t, EncodedSize(m), 255)
		require.Equal(t, model.NodeID(1001), m.Coordinator)
		total += len(m.Nodes)
	}
	require.Equal(t, len(entries), total)
}

func TestSplitTopologyEmpty(t *testing.T) {
	msgs := SplitTopology(4, 2, nil, 255)
	require.Len(t, msgs, 1)
	require.Empty(t, msgs[0].Nodes)
	require.Equal(t, model.NodeID(2), msgs[0].Coordinator)
}
