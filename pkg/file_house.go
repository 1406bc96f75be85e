package triggerdaq

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

type FileStage int

const (
	StageInitialized FileStage = iota
	StagePreparing
	StageWriting
	StageFinished
)

func (s FileStage) String() string {
	switch s {
	case StageInitialized:
		return "initialized"
	case StagePreparing:
		return "preparing"
	case StageWriting:
		return "writing"
	case StageFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// FileHouse keeps the archive files currently in use. Declaring the same
// filename twice returns the same handle.
type FileHouse struct {
	mu           sync.Mutex
	files        map[string]*FileHandle
	openers      map[string]ArchiveOpener
	formats      map[string]string
	minFreeBytes uint64
	metrics      *Metrics
	finished     []string
}

func NewFileHouse() *FileHouse {
	h := &FileHouse{
		files:   make(map[string]*FileHandle),
		openers: make(map[string]ArchiveOpener),
		formats: make(map[string]string),
	}
	for _, ext := range []string{".h5", ".hdf5", ".egg"} {
		h.RegisterFormat(ext, "hdf5", OpenHDF5Archive)
	}
	h.RegisterFormat(".parquet", "parquet", OpenParquetArchive)
	return h
}

// RegisterFormat binds a filename extension to an archive encoder.
func (h *FileHouse) RegisterFormat(ext string, format string, opener ArchiveOpener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.openers[strings.ToLower(ext)] = opener
	h.formats[strings.ToLower(ext)] = format
}

func (h *FileHouse) SetMinFreeSpaceMB(mb float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.minFreeBytes = uint64(mb * 1024 * 1024)
}

func (h *FileHouse) SetMetrics(m *Metrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metrics = m
}

func (h *FileHouse) DeclareFile(filename string) (*FileHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if f, ok := h.files[filename]; ok {
		return f, nil
	}

	ext := strings.ToLower(filepath.Ext(filename))
	opener, ok := h.openers[ext]
	if !ok {
		return nil, &ErrArchive{Filename: filename, Op: "declare", Err: fmt.Errorf("no archive format for extension %q", ext)}
	}

	if h.minFreeBytes > 0 {
		free, err := freeDiskSpace(filepath.Dir(filename))
		if err == nil && free < h.minFreeBytes {
			return nil, &ErrArchive{Filename: filename, Op: "declare",
				Err: fmt.Errorf("only %d bytes free on disk, %d required", free, h.minFreeBytes)}
		}
		if err != nil && !errors.Is(err, errDiskSpaceUnsupported) {
			logger.Warn(fmt.Sprintf("Cannot check free disk space for %s: %v", filename, err), "file-house")
		}
	}

	f := &FileHandle{
		house:    h,
		filename: filename,
		current:  filename,
		opener:   opener,
		format:   h.formats[ext],
		stage:    StageInitialized,
		metrics:  h.metrics,
	}
	h.files[filename] = f
	logger.Info(fmt.Sprintf("File declared: %s", filename), "file-house")
	return f, nil
}

// OpenFiles lists the declared files that are not finished yet.
func (h *FileHouse) OpenFiles() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.files))
	for name := range h.files {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// WaitForFiles blocks until every declared file is finished or the
// timeout expires. It reports whether the house is empty.
func (h *FileHouse) WaitForFiles(ctx context.Context, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(h.OpenFiles()) == 0 {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return len(h.OpenFiles()) == 0
		case <-ctx.Done():
			return len(h.OpenFiles()) == 0
		}
	}
}

// FinishFiles force-finishes every remaining file.
func (h *FileHouse) FinishFiles() error {
	h.mu.Lock()
	files := make([]*FileHandle, 0, len(h.files))
	for _, f := range h.files {
		files = append(files, f)
	}
	h.mu.Unlock()

	var errs []error
	for _, f := range files {
		if err := f.FinishFile(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TakeFinished returns the physical files closed since the last call.
func (h *FileHouse) TakeFinished() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	finished := h.finished
	h.finished = nil
	return finished
}

func (h *FileHouse) recordFinished(filename string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, filename)
}

func (h *FileHouse) remove(filename string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.files, filename)
}

// FileHandle follows one declared file through its stages. Once writing
// starts the header is frozen.
type FileHandle struct {
	mu        sync.Mutex
	house     *FileHouse
	filename  string
	current   string
	opener    ArchiveOpener
	format    string
	stage     FileStage
	header    *Header
	archive   Archive
	streams   []*StreamHandle
	sizeLimit int64
	fileCount int
	metrics   *Metrics
}

func (f *FileHandle) Filename() string {
	return f.filename
}

// CurrentFilename is the physical file being written; it differs from
// Filename after a size rollover.
func (f *FileHandle) CurrentFilename() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *FileHandle) Stage() FileStage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stage
}

func (f *FileHandle) SetSizeLimitMB(mb float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizeLimit = int64(mb * 1024 * 1024)
}

// GetHeader returns the mutable header. It fails once records are being
// written.
func (f *FileHandle) GetHeader() (*Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headerLocked()
}

// UpdateHeader edits the header under the file lock, so writers sharing
// the file can add their streams concurrently.
func (f *FileHandle) UpdateHeader(edit func(*Header)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	header, err := f.headerLocked()
	if err != nil {
		return err
	}
	edit(header)
	return nil
}

func (f *FileHandle) headerLocked() (*Header, error) {
	switch f.stage {
	case StageInitialized:
		f.header = &Header{Filename: f.filename, Timestamp: time.Now()}
		f.stage = StagePreparing
		return f.header, nil
	case StagePreparing:
		return f.header, nil
	default:
		return nil, &ErrArchive{Filename: f.filename, Op: "get header", Err: fmt.Errorf("header is not editable in stage %v", f.stage)}
	}
}

// GetStream returns the handle of stream n. The first call writes the
// header and freezes it.
func (f *FileHandle) GetStream(n int) (*StreamHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.stage {
	case StagePreparing:
		if err := f.openLocked(); err != nil {
			return nil, err
		}
		f.streams = make([]*StreamHandle, len(f.header.Streams))
		for i := range f.header.Streams {
			f.streams[i] = &StreamHandle{file: f, number: i, open: true}
		}
		f.stage = StageWriting
	case StageWriting:
	default:
		return nil, &ErrArchive{Filename: f.filename, Op: "get stream", Err: fmt.Errorf("no streams available in stage %v", f.stage)}
	}

	if n < 0 || n >= len(f.streams) {
		return nil, &ErrArchive{Filename: f.filename, Op: "get stream", Err: fmt.Errorf("stream %d does not exist", n)}
	}
	return f.streams[n], nil
}

func (f *FileHandle) openLocked() error {
	archive, err := f.opener(f.current)
	if err != nil {
		return &ErrArchive{Filename: f.current, Op: "open", Err: err}
	}
	header := f.header
	if f.fileCount > 0 {
		header = f.header.clone()
		header.Filename = f.current
		header.Description = fmt.Sprintf("%s\nContinuation of file %s", f.header.Description, f.filename)
	}
	if err := archive.WriteHeader(header); err != nil {
		archive.Close()
		return &ErrArchive{Filename: f.current, Op: "write header", Err: err}
	}
	f.archive = archive
	f.metrics.fileOpened(f.format)
	logger.Info(fmt.Sprintf("File opened: %s", f.current), "file-house")
	return nil
}

func (f *FileHandle) writeRecord(s *StreamHandle, record *Record, isNew bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stage != StageWriting {
		return &ErrArchive{Filename: f.filename, Op: "write record", Err: fmt.Errorf("file is in stage %v", f.stage)}
	}
	if !s.open {
		return &ErrArchive{Filename: f.filename, Op: "write record", Err: fmt.Errorf("stream %d is finished", s.number)}
	}

	if s.forceNew {
		isNew = true
		s.forceNew = false
	}
	if isNew && s.records > 0 {
		s.acquisition++
	}
	if err := f.archive.WriteRecord(s.number, record, s.acquisition, isNew || s.records == 0); err != nil {
		return &ErrArchive{Filename: f.current, Op: "write record", Err: err}
	}
	s.records++

	if f.sizeLimit > 0 && f.archive.Size() >= f.sizeLimit {
		return f.switchToNewFileLocked()
	}
	return nil
}

// switchToNewFileLocked closes the current archive and continues in
// <base>_<n><ext> with the same header and streams.
func (f *FileHandle) switchToNewFileLocked() error {
	if err := f.archive.Close(); err != nil {
		return &ErrArchive{Filename: f.current, Op: "close", Err: err}
	}
	f.house.recordFinished(f.current)
	f.fileCount++
	ext := filepath.Ext(f.filename)
	f.current = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(f.filename, ext), f.fileCount, ext)
	if err := f.openLocked(); err != nil {
		f.archive = nil
		f.stage = StageFinished
		return err
	}
	for _, s := range f.streams {
		s.forceNew = true
	}
	return nil
}

// FinishStream closes stream n. With finishIfDone the file is finished
// when no stream is left open.
func (f *FileHandle) FinishStream(n int, finishIfDone bool) error {
	f.mu.Lock()
	if f.stage != StageWriting || n < 0 || n >= len(f.streams) {
		f.mu.Unlock()
		return nil
	}
	f.streams[n].open = false
	done := true
	for _, s := range f.streams {
		if s.open {
			done = false
			break
		}
	}
	f.mu.Unlock()

	if finishIfDone && done {
		return f.FinishFile()
	}
	return nil
}

func (f *FileHandle) FinishFile() error {
	f.mu.Lock()
	var err error
	if f.stage == StageWriting && f.archive != nil {
		if cerr := f.archive.Close(); cerr != nil {
			err = &ErrArchive{Filename: f.current, Op: "close", Err: cerr}
		}
		f.archive = nil
		f.house.recordFinished(f.current)
		logger.Info(fmt.Sprintf("File finished: %s", f.current), "file-house")
	}
	f.stage = StageFinished
	f.mu.Unlock()

	f.house.remove(f.filename)
	return err
}

// StreamHandle writes the records of one stream of a file.
type StreamHandle struct {
	file        *FileHandle
	number      int
	open        bool
	forceNew    bool
	acquisition uint32
	records     uint64
}

func (s *StreamHandle) Number() int {
	return s.number
}

// WriteRecord appends a record. isNew starts a new acquisition.
func (s *StreamHandle) WriteRecord(record *Record, isNew bool) error {
	return s.file.writeRecord(s, record, isNew)
}

func (s *StreamHandle) Records() uint64 {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	return s.records
}

func (s *StreamHandle) Acquisitions() uint32 {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()
	if s.records == 0 {
		return 0
	}
	return s.acquisition + 1
}
