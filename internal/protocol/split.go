package protocol

import "github.com/thewriterben/WildCAM-ESP32-sub000/model"

// SplitTopology packs entries into as few TOPOLOGY_UPDATE messages as fit
// maxFrame bytes each. Every message carries the same source and coordinator
// so it can be applied independently of the others. An empty entry list
// still yields one message, announcing the coordinator alone.
func SplitTopology(src, coordinator model.NodeID, entries []TopologyEntry, maxFrame int) []Message {
	base := TopologyUpdate(src, coordinator, nil)
	if len(entries) == 0 {
		return []Message{base}
	}

	var (
		out     []Message
		current = base
		size    = EncodedSize(base)
	)
	for _, e := range entries {
		entrySize := EncodedSize(TopologyUpdate(src, coordinator, []TopologyEntry{e})) - EncodedSize(base)
		if len(current.Nodes) > 0 && size+entrySize > maxFrame {
			out = append(out, current)
			current = TopologyUpdate(src, coordinator, nil)
			size = EncodedSize(base)
		}
		current.Nodes = append(current.Nodes, e)
		size += entrySize
	}
	return append(out, current)
}
