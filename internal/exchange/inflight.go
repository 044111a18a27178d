package exchange

import "github.com/utat-ss/test-software/internal/protocol"

// DefaultInFlightCapacity bounds the table well below the 15-bit ID space.
const DefaultInFlightCapacity = 256

// inFlight maps command IDs to the packet last sent with them. It keeps at
// most capacity entries and evicts the oldest insertion first. Reusing an
// ID after wraparound replaces the old entry.
type inFlight struct {
	capacity int
	entries  map[protocol.CommandID]*protocol.TXPacket
	order    []protocol.CommandID
}

func newInFlight(capacity int) *inFlight {
	if capacity <= 0 {
		capacity = DefaultInFlightCapacity
	}
	return &inFlight{
		capacity: capacity,
		entries:  make(map[protocol.CommandID]*protocol.TXPacket, capacity),
		order:    make([]protocol.CommandID, 0, capacity),
	}
}

func (t *inFlight) put(p *protocol.TXPacket) {
	id := p.CommandID()
	if _, ok := t.entries[id]; ok {
		t.remove(id)
	}
	for len(t.order) >= t.capacity {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.entries, oldest)
	}
	t.entries[id] = p
	t.order = append(t.order, id)
}

func (t *inFlight) get(id protocol.CommandID) (*protocol.TXPacket, bool) {
	p, ok := t.entries[id]
	return p, ok
}

func (t *inFlight) remove(id protocol.CommandID) {
	delete(t.entries, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

func (t *inFlight) len() int { return len(t.entries) }
