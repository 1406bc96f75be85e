package triggerdaq

import (
	"fmt"
	"math"
)

type DeviceConfig struct {
	BitDepth     uint32     `json:"bit-depth"`
	DataTypeSize uint32     `json:"data-type-size"`
	SampleSize   uint32     `json:"sample-size"`
	RecordSize   uint32     `json:"record-size"`
	AcqRate      float64    `json:"acq-rate"`
	VOffset      float64    `json:"v-offset"`
	VRange       float64    `json:"v-range"`
	DataFormat   DataFormat `json:"data-format"`
}

type WriterConfig struct {
	FileNum         int          `json:"file-num"`
	FileSizeLimitMB float64      `json:"file-size-limit-mb"`
	Device          DeviceConfig `json:"device"`
	CenterFreq      float64      `json:"center-freq"`
	FreqRange       float64      `json:"freq-range"`
	StartRetries    int          `json:"start-retries"`
	StartPollMs     int          `json:"start-poll-ms"`
}

func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		FileNum:         0,
		FileSizeLimitMB: 2000,
		Device: DeviceConfig{
			BitDepth:     8,
			DataTypeSize: 1,
			SampleSize:   2,
			RecordSize:   4096,
			AcqRate:      100,
			VOffset:      0,
			VRange:       0.5,
			DataFormat:   DigitizedSigned,
		},
		CenterFreq:   0,
		FreqRange:    100,
		StartRetries: 50,
		StartPollMs:  100,
	}
}

func (c WriterConfig) validate(node string) error {
	if c.Device.AcqRate <= 0 {
		return newConfigError(node, "device.acq-rate", "must be positive, got %v", c.Device.AcqRate)
	}
	if c.Device.RecordSize == 0 {
		return newConfigError(node, "device.record-size", "must be positive")
	}
	if c.Device.BitDepth == 0 || c.Device.BitDepth > 32 {
		return newConfigError(node, "device.bit-depth", "must be in [1, 32], got %d", c.Device.BitDepth)
	}
	if c.FileNum < 0 {
		return newConfigError(node, "file-num", "must not be negative, got %d", c.FileNum)
	}
	if c.StartRetries <= 0 {
		return newConfigError(node, "start-retries", "must be positive, got %d", c.StartRetries)
	}
	return nil
}

// RecordLengthNs is the duration of one record in nanoseconds, with the
// acquisition rate in MHz.
func (c WriterConfig) RecordLengthNs() int64 {
	return int64(math.Round(float64(c.Device.RecordSize) / c.Device.AcqRate * 1e3))
}

// writerBase holds the run context shared by the writer nodes: the file
// and stream in use and the time-zero of the run.
type writerBase struct {
	name           string
	config         WriterConfig
	house          *FileHouse
	run            RunInfoProvider
	metrics        *Metrics
	recordLengthNs int64

	running  bool
	file     *FileHandle
	streamNo int
	stream   *StreamHandle
	firstID  uint64
	isNew    bool
}

func newWriterBase(name string, config WriterConfig, env *NodeEnv) (writerBase, error) {
	if err := config.validate(name); err != nil {
		return writerBase{}, err
	}
	house := env.House
	if house == nil {
		house = NewFileHouse()
	}
	run := env.Run
	if run == nil {
		run = StaticRun{}
	}
	return writerBase{
		name:           name,
		config:         config,
		house:          house,
		run:            run,
		metrics:        env.Metrics,
		recordLengthNs: config.RecordLengthNs(),
	}, nil
}

// openRun declares the run file, describes this writer's stream in the
// header and takes firstID as time zero. The stream itself is fetched on
// the first packet so that other writers sharing the file can still add
// theirs.
func (w *writerBase) openRun(firstID uint64) error {
	run := w.run.CurrentRun()
	filename := run.Filename(w.config.FileNum)

	file, err := w.house.DeclareFile(filename)
	if err != nil {
		return err
	}
	device := w.config.Device
	var streamNo int
	err = file.UpdateHeader(func(header *Header) {
		if !header.GlobalSetupDone {
			header.Description = run.Description
			header.RunDurationMs = uint32(run.Duration.Milliseconds())
			header.GlobalSetupDone = true
		}
		streamNo = header.AddStream(StreamHeader{
			Source:       w.name,
			AcqRateMHz:   device.AcqRate,
			RecordSize:   device.RecordSize,
			SampleSize:   device.SampleSize,
			DataTypeSize: device.DataTypeSize,
			DataFormat:   device.DataFormat,
			BitDepth:     device.BitDepth,
			Channels: []ChannelHeader{{
				VoltageOffset:  device.VOffset,
				VoltageRange:   device.VRange,
				DACGain:        DACGain(device.BitDepth, device.VRange),
				FrequencyMin:   w.config.CenterFreq - w.config.FreqRange/2,
				FrequencyRange: w.config.FreqRange,
			}},
		})
	})
	if err != nil {
		return err
	}
	file.SetSizeLimitMB(w.config.FileSizeLimitMB)

	w.file = file
	w.streamNo = streamNo
	w.stream = nil
	w.firstID = firstID
	w.isNew = true
	w.running = true
	logger.Info(fmt.Sprintf("Run started, writing to %s (stream %d), first packet %d", filename, streamNo, firstID), w.name)
	return nil
}

// openStream gets this writer's stream handle. The first writer to do so
// freezes the header and opens the archive.
func (w *writerBase) openStream() error {
	if w.stream != nil {
		return nil
	}
	stream, err := w.file.GetStream(w.streamNo)
	if err != nil {
		return err
	}
	w.stream = stream
	return nil
}

func (w *writerBase) writeRecord(data *TimeData) error {
	record := Record{
		ID:     data.PktInSession,
		TimeNs: w.recordLengthNs * (int64(data.PktInSession) - int64(w.firstID)),
		Data:   data.Payload,
	}
	if err := w.stream.WriteRecord(&record, w.isNew); err != nil {
		return err
	}
	w.metrics.recordWritten(w.name, w.isNew)
	return nil
}

// finishRun closes this writer's stream. The file finishes when its last
// stream does.
func (w *writerBase) finishRun() error {
	if !w.running {
		return nil
	}
	w.running = false
	file := w.file
	w.file = nil
	if w.stream == nil {
		// the run saw no packet; the file may already be force-finished
		if file.Stage() == StageFinished {
			return nil
		}
		stream, err := file.GetStream(w.streamNo)
		if err != nil {
			return err
		}
		w.stream = stream
	}
	stream := w.stream
	w.stream = nil
	err := file.FinishStream(stream.Number(), true)
	logger.Info(fmt.Sprintf("Run finished, %d records in %d acquisitions",
		stream.Records(), stream.Acquisitions()), w.name)
	return err
}

func (w *writerBase) abortRun() {
	if err := w.finishRun(); err != nil {
		logger.Error(fmt.Sprintf("node %s: error finishing stream: %v", w.name, err))
	}
}
