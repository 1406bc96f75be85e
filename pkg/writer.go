package triggerdaq

import (
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/hdf5"
)

// HDF5Archive stores a run as
//
//	/Run/runInfo
//	/Streams/stream<n>/{streamInfo,channels,recordInfo,records}
type HDF5Archive struct {
	File         *hdf5.File
	Filename     string
	RunGroup     *hdf5.Group
	StreamsGroup *hdf5.Group
	RunInfoTable *hdf5.Dataset
	Streams      []*hdf5StreamTables
	bytesWritten int64
}

type hdf5StreamTables struct {
	Group       *hdf5.Group
	InfoTable   *hdf5.Dataset
	Channels    *hdf5.Dataset
	RecordInfo  *hdf5.Dataset
	Records     *hdf5.Dataset
	RecordBytes int
	Counter     int
}

func OpenHDF5Archive(filename string) (Archive, error) {
	file, err := openFile(filename)
	if err != nil {
		return nil, err
	}
	a := &HDF5Archive{File: file, Filename: filename}
	if a.RunGroup, err = createGroup(a.File, "Run"); err != nil {
		a.Close()
		return nil, err
	}
	if a.StreamsGroup, err = createGroup(a.File, "Streams"); err != nil {
		a.Close()
		return nil, err
	}
	if a.RunInfoTable, err = createTable(a.RunGroup, "runInfo", RunInfoHDF5{}); err != nil {
		a.Close()
		return nil, err
	}
	if configuration.Verbosity > 1 {
		logger.Info(fmt.Sprintf("hdf5writer: Creating file: %s", filename), "hdf5")
	}
	return a, nil
}

func (a *HDF5Archive) WriteHeader(header *Header) error {
	runInfo := RunInfoHDF5{
		description:   convertToHdf5Description(header.Description),
		timestamp:     convertToHdf5String(header.Timestamp.UTC().Format(time.RFC3339)),
		runDurationMs: header.RunDurationMs,
	}
	if err := writeEntryToTable(a.RunInfoTable, runInfo, 0); err != nil {
		return fmt.Errorf("error writing run info: %w", err)
	}

	for _, stream := range header.Streams {
		// partially created tables are kept so that Close releases them
		tables, err := a.createStream(stream)
		a.Streams = append(a.Streams, tables)
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *HDF5Archive) createStream(stream StreamHeader) (*hdf5StreamTables, error) {
	var err error
	t := &hdf5StreamTables{RecordBytes: stream.RecordBytes()}
	if t.Group, err = createGroup(a.StreamsGroup, fmt.Sprintf("stream%d", stream.Number)); err != nil {
		return t, err
	}
	if t.InfoTable, err = createTable(t.Group, "streamInfo", StreamInfoHDF5{}); err != nil {
		return t, err
	}
	if t.Channels, err = createTable(t.Group, "channels", ChannelInfoHDF5{}); err != nil {
		return t, err
	}
	if t.RecordInfo, err = createTable(t.Group, "recordInfo", RecordInfoHDF5{}); err != nil {
		return t, err
	}
	if t.Records, err = create2dArray(t.Group, "records", t.RecordBytes, hdf5.T_NATIVE_UINT8); err != nil {
		return t, err
	}

	info := StreamInfoHDF5{
		source:       convertToHdf5String(stream.Source),
		number:       int32(stream.Number),
		acqRateMHz:   stream.AcqRateMHz,
		recordSize:   stream.RecordSize,
		sampleSize:   stream.SampleSize,
		dataTypeSize: stream.DataTypeSize,
		dataFormat:   int32(stream.DataFormat),
		bitDepth:     stream.BitDepth,
		nChannels:    uint32(len(stream.Channels)),
	}
	if err := writeEntryToTable(t.InfoTable, info, 0); err != nil {
		return t, fmt.Errorf("error writing stream info: %w", err)
	}

	// The array MUST be allocated at creation, appends do not work with HDF5
	channels := make([]ChannelInfoHDF5, len(stream.Channels))
	for i, ch := range stream.Channels {
		channels[i] = ChannelInfoHDF5{
			channel:        int32(i),
			voltageOffset:  ch.VoltageOffset,
			voltageRange:   ch.VoltageRange,
			dacGain:        ch.DACGain,
			frequencyMin:   ch.FrequencyMin,
			frequencyRange: ch.FrequencyRange,
		}
	}
	if err := writeArrayToTable(t.Channels, &channels, 0); err != nil {
		return t, fmt.Errorf("error writing channel info: %w", err)
	}
	return t, nil
}

func (a *HDF5Archive) WriteRecord(stream int, record *Record, acquisition uint32, isNew bool) error {
	if stream < 0 || stream >= len(a.Streams) {
		return fmt.Errorf("stream %d not in file %s", stream, a.Filename)
	}
	t := a.Streams[stream]

	var newAcq uint8
	if isNew {
		newAcq = 1
	}
	info := RecordInfoHDF5{
		recordID:       record.ID,
		timeNs:         record.TimeNs,
		acquisitionID:  acquisition,
		newAcquisition: newAcq,
	}
	if err := write2dRow(t.Records, &record.Data, t.Counter, t.RecordBytes); err != nil {
		return fmt.Errorf("error writing record %d: %w", record.ID, err)
	}
	if err := writeEntryToTable(t.RecordInfo, info, t.Counter); err != nil {
		return fmt.Errorf("error writing record info %d: %w", record.ID, err)
	}
	t.Counter++
	a.bytesWritten += int64(len(record.Data))
	return nil
}

// Size is the payload written so far; HDF5 metadata is not counted.
func (a *HDF5Archive) Size() int64 {
	return a.bytesWritten
}

func (a *HDF5Archive) Close() error {
	if configuration.Verbosity > 1 {
		logger.Info(fmt.Sprintf("Closing file hdf writer %s", a.Filename), "hdf5")
	}
	var errs []error

	for i, t := range a.Streams {
		var items []closer
		for _, d := range []*hdf5.Dataset{t.Records, t.RecordInfo, t.Channels, t.InfoTable} {
			if d != nil {
				items = append(items, d)
			}
		}
		if t.Group != nil {
			items = append(items, t.Group)
		}
		if err := closeAll(fmt.Sprintf("stream %d", i), items...); err != nil {
			errs = append(errs, err)
		}
	}
	if a.RunInfoTable != nil {
		if err := a.RunInfoTable.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing run info table: %w", err))
		}
	}
	if a.StreamsGroup != nil {
		if err := a.StreamsGroup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing streams group: %w", err))
		}
	}
	if a.RunGroup != nil {
		if err := a.RunGroup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing run group: %w", err))
		}
	}
	if a.File != nil {
		if err := a.File.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing file: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
