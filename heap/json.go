package heap

import (
	"fmt"

	"github.com/heapscope/heapscope/bins"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

func formatAddress(address uint64) string {
	return fmt.Sprintf("%#x", address)
}

// PrintDetailedMap populates a json object with the arenas, statistics, chunks and bins of
// the model
func (m *Model) PrintDetailedMap(json jwriter.ObjectState) {
	json.Name("Profile").String(m.profile.Name)
	json.Name("HeapStart").String(formatAddress(m.heapStart))
	if m.imageBase != 0 {
		json.Name("ImageBase").String(formatAddress(m.imageBase))
	}
	if m.tcacheBase != 0 {
		json.Name("TCache").String(formatAddress(m.tcacheBase))
		json.Name("TCacheKey").String(formatAddress(m.tcacheKey))
	}

	m.printDetailedMapStatistics(json)
	m.printDetailedMapArenas(json)
	m.printDetailedMapChunks(json)

	binArray := json.Name("Bins").Array()
	for _, bin := range m.Bins() {
		obj := binArray.Object()
		printBin(obj, bin)
		obj.End()
	}
	binArray.End()
}

func (m *Model) printDetailedMapStatistics(json jwriter.ObjectState) {
	obj := json.Name("Statistics").Object()
	defer obj.End()

	obj.Name("Arenas").Int(m.stats.ArenaCount)
	obj.Name("Chunks").Int(m.stats.ChunkCount)
	obj.Name("HeapBytes").Int(m.stats.HeapBytes)
	obj.Name("Allocated").Int(m.stats.AllocatedCount)
	obj.Name("AllocatedBytes").Int(m.stats.AllocatedBytes)
	obj.Name("Free").Int(m.stats.FreeCount)
	obj.Name("FreeBytes").Int(m.stats.FreeBytes)
	obj.Name("TopBytes").Int(m.stats.TopBytes)
}

func (m *Model) printDetailedMapArenas(json jwriter.ObjectState) {
	arr := json.Name("Arenas").Array()
	defer arr.End()

	for _, a := range m.arenas {
		obj := arr.Object()
		obj.Name("Base").String(formatAddress(a.Base))
		obj.Name("Top").String(formatAddress(a.Top))
		obj.Name("LastRemainder").String(formatAddress(a.LastRemainder))
		obj.Name("SystemMem").String(formatAddress(a.SystemMem))
		obj.Name("Next").String(formatAddress(a.Next))
		obj.End()
	}
}

func (m *Model) printDetailedMapChunks(json jwriter.ObjectState) {
	arr := json.Name("Chunks").Array()
	defer arr.End()

	for _, address := range m.addresses {
		c, _ := m.chunks.Get(address)

		obj := arr.Object()
		obj.Name("Address").String(formatAddress(c.Address))
		obj.Name("Size").String(formatAddress(c.Size))
		obj.Name("State").String(c.State.String())
		obj.Name("Flags").String(c.Flags.String())
		if kind, ok := m.binOf.Get(address); ok {
			obj.Name("Bin").String(kind.String())
		}
		obj.End()
	}
}

func printBin(json jwriter.ObjectState, bin *bins.Bin) {
	json.Name("Kind").String(bin.Kind.String())
	json.Name("Head").String(formatAddress(bin.Head))
	if bin.Count >= 0 {
		json.Name("Count").Int(bin.Count)
	}

	entries := json.Name("Entries").Array()
	for _, entry := range bin.Entries {
		entries.String(formatAddress(entry))
	}
	entries.End()

	if !bin.Complete() {
		json.Name("Stop").String(bin.Stop.String())
		json.Name("StopValue").String(formatAddress(bin.StopValue))
	}
}
