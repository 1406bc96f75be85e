package triggerdaq

import (
	"encoding/json"
	"fmt"
)

type ArchiveCompression int

const (
	CompressionNone ArchiveCompression = iota
	CompressionDeflate
)

var archiveCompressionStrings = []string{
	"none",
	"deflate",
}

func (c ArchiveCompression) String() string {
	if c < CompressionNone || c > CompressionDeflate {
		return "UNKNOWN"
	}
	return archiveCompressionStrings[c]
}

func (c ArchiveCompression) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ArchiveCompression) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, v := range archiveCompressionStrings {
		if v == s {
			*c = ArchiveCompression(i)
			return nil
		}
	}
	return fmt.Errorf("invalid ArchiveCompression: %s", s)
}

// DataFormat describes how samples are encoded in a record.
type DataFormat int

const (
	DigitizedUnsigned DataFormat = iota
	DigitizedSigned
	Analog
)

var dataFormatStrings = []string{
	"digitized-unsigned",
	"digitized-signed",
	"analog",
}

func (f DataFormat) String() string {
	if f < DigitizedUnsigned || f > Analog {
		return "UNKNOWN"
	}
	return dataFormatStrings[f]
}

func (f DataFormat) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *DataFormat) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, v := range dataFormatStrings {
		if v == s {
			*f = DataFormat(i)
			return nil
		}
	}
	return fmt.Errorf("invalid DataFormat: %s", s)
}
