package triggerdaq

// bufferEntry tags an id with its arrival position so that two buffers
// can tell whether they hold the same packet even if ids repeat.
type bufferEntry struct {
	seq uint64
	id  uint64
}

// idBuffer is a fixed capacity FIFO ring. Pushing into a full buffer
// drops the oldest entry.
type idBuffer struct {
	entries []bufferEntry
	head    int
	size    int
}

func newIDBuffer(capacity int) *idBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &idBuffer{entries: make([]bufferEntry, capacity)}
}

func (b *idBuffer) Cap() int { return len(b.entries) }

func (b *idBuffer) Len() int { return b.size }

func (b *idBuffer) Full() bool { return b.size == len(b.entries) }

// Push appends e. If the buffer was full the evicted entry is returned.
func (b *idBuffer) Push(e bufferEntry) (bufferEntry, bool) {
	if b.Full() {
		evicted := b.entries[b.head]
		b.entries[b.head] = e
		b.head = (b.head + 1) % len(b.entries)
		return evicted, true
	}
	b.entries[(b.head+b.size)%len(b.entries)] = e
	b.size++
	return bufferEntry{}, false
}

func (b *idBuffer) PopFront() (bufferEntry, bool) {
	if b.size == 0 {
		return bufferEntry{}, false
	}
	e := b.entries[b.head]
	b.head = (b.head + 1) % len(b.entries)
	b.size--
	return e, true
}

func (b *idBuffer) Contains(seq uint64) bool {
	for i := 0; i < b.size; i++ {
		if b.entries[(b.head+i)%len(b.entries)].seq == seq {
			return true
		}
	}
	return false
}

// Entries returns the content oldest first.
func (b *idBuffer) Entries() []bufferEntry {
	out := make([]bufferEntry, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.entries[(b.head+i)%len(b.entries)]
	}
	return out
}

func (b *idBuffer) Clear() {
	b.head = 0
	b.size = 0
}
