package triggerdaq

import (
	"time"
)

// Header is the file-level metadata, written once before the first record.
type Header struct {
	Filename        string
	Description     string
	Timestamp       time.Time
	RunDurationMs   uint32
	GlobalSetupDone bool
	Streams         []StreamHeader
}

type StreamHeader struct {
	Number       int
	Source       string
	AcqRateMHz   float64
	RecordSize   uint32
	SampleSize   uint32
	DataTypeSize uint32
	DataFormat   DataFormat
	BitDepth     uint32
	Channels     []ChannelHeader
}

type ChannelHeader struct {
	VoltageOffset  float64
	VoltageRange   float64
	DACGain        float64
	FrequencyMin   float64
	FrequencyRange float64
}

// AddStream appends a stream description and returns its number.
func (h *Header) AddStream(stream StreamHeader) int {
	stream.Number = len(h.Streams)
	if len(stream.Channels) == 0 {
		stream.Channels = []ChannelHeader{{}}
	}
	h.Streams = append(h.Streams, stream)
	return stream.Number
}

// RecordBytes is the payload size of one record of the stream.
func (s StreamHeader) RecordBytes() int {
	nChannels := len(s.Channels)
	if nChannels == 0 {
		nChannels = 1
	}
	return int(s.RecordSize) * int(s.SampleSize) * int(s.DataTypeSize) * nChannels
}

func (h *Header) clone() *Header {
	c := *h
	c.Streams = make([]StreamHeader, len(h.Streams))
	for i, s := range h.Streams {
		s.Channels = append([]ChannelHeader(nil), s.Channels...)
		c.Streams[i] = s
	}
	return &c
}

// DACGain is the voltage step of one ADC count.
func DACGain(bitDepth uint32, voltageRange float64) float64 {
	return voltageRange / float64(uint64(1)<<bitDepth)
}

// Archive encodes one physical file.
type Archive interface {
	WriteHeader(header *Header) error
	WriteRecord(stream int, record *Record, acquisition uint32, isNew bool) error
	Size() int64
	Close() error
}

type ArchiveOpener func(filename string) (Archive, error)
