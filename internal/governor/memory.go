package governor

import (
	"os"
	"runtime"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/process"
)

const bytesPerMB = 1024 * 1024

// MemoryReader reports current memory usage in megabytes.
type MemoryReader interface {
	UsageMB() (float64, error)
}

// HeapReader reads the Go runtime's in-use heap.
type HeapReader struct{}

// UsageMB implements MemoryReader.
func (HeapReader) UsageMB() (float64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / bytesPerMB, nil
}

// ProcessRSSReader reads the resident set size of a process.
type ProcessRSSReader struct {
	proc *process.Process
}

// NewProcessRSSReader returns a reader for the current process.
func NewProcessRSSReader() (*ProcessRSSReader, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open current process")
	}
	return &ProcessRSSReader{proc: p}, nil
}

// UsageMB implements MemoryReader.
func (r *ProcessRSSReader) UsageMB() (float64, error) {
	info, err := r.proc.MemoryInfo()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get process memory info")
	}
	return float64(info.RSS) / bytesPerMB, nil
}

// NewReader returns the reader for a configured memory source ("heap" or "rss").
func NewReader(source string) (MemoryReader, error) {
	switch source {
	case "", "heap":
		return HeapReader{}, nil
	case "rss":
		return NewProcessRSSReader()
	default:
		return nil, errors.Newf("unknown memory source %q", source)
	}
}
