// Package procmetrics samples the current process's resident memory for
// the optional rss_kb field on BEAT.
package procmetrics

import (
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// RSSKB returns the current process's resident set size in kilobytes.
// It returns 0 and a non-nil error if the sample could not be taken —
// callers should treat that as "omit rss_kb" rather than a fatal error.
func RSSKB() (int64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return int64(info.RSS / 1024), nil
}
