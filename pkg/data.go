package triggerdaq

// TriggerFlag is the per-packet trigger decision.
type TriggerFlag struct {
	ID   uint64
	Flag bool
}

// TimeData is one time-domain record: raw interleaved IQ samples.
type TimeData struct {
	PktInSession uint64
	DigitalID    uint32
	UnixTime     int64
	Payload      []byte
}

// FreqData is the spectrum of the time record with the same id.
type FreqData struct {
	PktInSession uint64
	DigitalID    uint32
	UnixTime     int64
	Bins         []complex128
}

// Record is what the writers hand to the archive.
type Record struct {
	ID     uint64
	TimeNs int64
	Data   []byte
}
