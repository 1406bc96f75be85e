package triggerdaq

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// RunInfo is what writers need to know about the run being started.
type RunInfo struct {
	RunID       string
	Filenames   []string
	Description string
	Duration    time.Duration
}

// Filename returns the file a writer with the given file number uses.
// Numbers without an explicit name derive one from the first filename.
func (r RunInfo) Filename(fileNum int) string {
	if fileNum >= 0 && fileNum < len(r.Filenames) {
		return r.Filenames[fileNum]
	}
	base := configuration.DAQ.Filename
	if len(r.Filenames) > 0 {
		base = r.Filenames[0]
	}
	if fileNum == 0 {
		return base
	}
	ext := filepath.Ext(base)
	return fmt.Sprintf("%s_file%d%s", strings.TrimSuffix(base, ext), fileNum, ext)
}

type RunInfoProvider interface {
	CurrentRun() RunInfo
}

// StaticRun serves the same run information for every run.
type StaticRun RunInfo

func (s StaticRun) CurrentRun() RunInfo {
	return RunInfo(s)
}
