package triggerdaq

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/segmentio/parquet-go"
)

// ParquetRecord is one row of a parquet archive.
type ParquetRecord struct {
	Stream         int32  `parquet:"stream"`
	RecordID       uint64 `parquet:"record_id"`
	TimeNs         int64  `parquet:"time_ns"`
	AcquisitionID  uint32 `parquet:"acquisition_id"`
	NewAcquisition bool   `parquet:"new_acquisition"`
	Data           []byte `parquet:"data"`
}

const parquetFlushBytes = 8 * 1024 * 1024

// ParquetArchive writes records as rows and keeps the header as JSON in
// the file key/value metadata under "header".
type ParquetArchive struct {
	filename string
	file     *os.File
	counter  *countingWriter
	writer   *parquet.GenericWriter[ParquetRecord]
	pending  int64
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func OpenParquetArchive(filename string) (Archive, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, &ErrOpenFile{Filename: filename, Err: err}
	}
	return &ParquetArchive{
		filename: filename,
		file:     f,
		counter:  &countingWriter{w: f},
	}, nil
}

func (p *ParquetArchive) WriteHeader(header *Header) error {
	headerStr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("error encoding header: %w", err)
	}
	options := []parquet.WriterOption{
		parquet.KeyValueMetadata("header", string(headerStr)),
	}
	if configuration.Compression == CompressionDeflate {
		options = append(options, parquet.Compression(&parquet.Gzip))
	}
	p.writer = parquet.NewGenericWriter[ParquetRecord](p.counter, options...)
	return nil
}

func (p *ParquetArchive) WriteRecord(stream int, record *Record, acquisition uint32, isNew bool) error {
	if p.writer == nil {
		return fmt.Errorf("header not written to %s", p.filename)
	}
	row := []ParquetRecord{{
		Stream:         int32(stream),
		RecordID:       record.ID,
		TimeNs:         record.TimeNs,
		AcquisitionID:  acquisition,
		NewAcquisition: isNew,
		Data:           record.Data,
	}}
	if _, err := p.writer.Write(row); err != nil {
		return err
	}
	p.pending += int64(len(record.Data))
	if p.pending >= parquetFlushBytes {
		if err := p.writer.Flush(); err != nil {
			return err
		}
		p.pending = 0
	}
	return nil
}

// Size counts the bytes already flushed plus the payload still buffered.
func (p *ParquetArchive) Size() int64 {
	return p.counter.n + p.pending
}

func (p *ParquetArchive) Close() error {
	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			p.file.Close()
			return err
		}
	}
	return p.file.Close()
}
