package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/procfs"
)

// SystemSample is a host-level snapshot.
type SystemSample struct {
	// MemoryPercent is used memory as a percentage of total memory.
	MemoryPercent float64
	// CPUPercent is busy CPU time since the previous sample.
	CPUPercent float64
}

// Sampler reads host memory and CPU usage. Sample is called by the monitor
// loop once per tick.
type Sampler interface {
	Sample(ctx context.Context) (SystemSample, error)
}

// Peeker is implemented by samplers whose CPU figure is a delta since the
// previous Sample. Peek measures against its own baseline so diagnostic
// reads leave the monitor window intact.
type Peeker interface {
	Peek(ctx context.Context) (SystemSample, error)
}

type cpuBaseline struct {
	busy float64
	all  float64
}

// ProcSampler reads /proc through procfs.
type ProcSampler struct {
	fs procfs.FS

	mu      sync.Mutex
	monitor cpuBaseline
	peek    cpuBaseline
}

// NewProcSampler opens the default /proc mount.
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

// Sample implements Sampler. The first CPU reading is measured since boot.
func (s *ProcSampler) Sample(_ context.Context) (SystemSample, error) {
	return s.read(&s.monitor)
}

// Peek implements Peeker.
func (s *ProcSampler) Peek(_ context.Context) (SystemSample, error) {
	return s.read(&s.peek)
}

func (s *ProcSampler) read(base *cpuBaseline) (SystemSample, error) {
	var out SystemSample

	mem, err := s.fs.Meminfo()
	if err != nil {
		return out, fmt.Errorf("read meminfo: %w", err)
	}
	if mem.MemTotal == nil || *mem.MemTotal == 0 {
		return out, errors.New("meminfo: total memory unavailable")
	}
	available := uint64(0)
	switch {
	case mem.MemAvailable != nil:
		available = *mem.MemAvailable
	case mem.MemFree != nil:
		available = *mem.MemFree
	}
	total := float64(*mem.MemTotal)
	out.MemoryPercent = (total - float64(available)) / total * 100

	stat, err := s.fs.Stat()
	if err != nil {
		return out, fmt.Errorf("read stat: %w", err)
	}
	cpu := stat.CPUTotal
	idle := cpu.Idle + cpu.Iowait
	busy := cpu.User + cpu.Nice + cpu.System + cpu.IRQ + cpu.SoftIRQ + cpu.Steal
	all := idle + busy

	s.mu.Lock()
	deltaBusy := busy - base.busy
	deltaAll := all - base.all
	base.busy, base.all = busy, all
	s.mu.Unlock()

	if deltaAll > 0 {
		out.CPUPercent = deltaBusy / deltaAll * 100
	}
	return out, nil
}
