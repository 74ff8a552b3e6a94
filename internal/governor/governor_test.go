package governor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type staticSampler struct {
	sample SystemSample
	err    error
}

func (s staticSampler) Sample(context.Context) (SystemSample, error) {
	return s.sample, s.err
}

type alertSink struct {
	mu     sync.Mutex
	alerts []ResourceAlert
}

func (s *alertSink) add(alert ResourceAlert) {
	s.mu.Lock()
	s.alerts = append(s.alerts, alert)
	s.mu.Unlock()
}

func (s *alertSink) all() []ResourceAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ResourceAlert(nil), s.alerts...)
}

func newTestGovernor(t *testing.T, opts Options) (*Governor, *fakeClock, *alertSink) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts.Now = clock.Now
	g, err := New(opts)
	require.NoError(t, err)
	sink := &alertSink{}
	g.OnAlert(sink.add)
	return g, clock, sink
}

func TestConversationLockout(t *testing.T) {
	g, _, sink := newTestGovernor(t, Options{})

	assert.False(t, g.TrackConversationMemory("s1", 150))
	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCritical, alerts[0].Level)
	assert.Equal(t, ResourceConversation, alerts[0].Type)
	assert.Equal(t, "s1", alerts[0].SessionID)

	assert.True(t, g.TrackConversationMemory("s1", 10))
	assert.Len(t, sink.all(), 1, "usage below the soft limit raises no alert")
}

func TestConversationSoftLimit(t *testing.T) {
	g, _, sink := newTestGovernor(t, Options{})

	assert.True(t, g.TrackConversationMemory("s1", 60))
	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertWarning, alerts[0].Level)
}

func TestConversationDisabled(t *testing.T) {
	g, _, sink := newTestGovernor(t, Options{Limits: []ResourceLimit{
		{Type: ResourceConversation, Soft: 1, Hard: 2, Enabled: false},
	}})
	assert.True(t, g.TrackConversationMemory("s1", 500))
	assert.Empty(t, sink.all())

	var limitErr *ResourceLimitError
	require.ErrorAs(t, g.ConversationLimitError(500), &limitErr)
	assert.Equal(t, ResourceConversation, limitErr.Resource)
}

func TestMonitorCleansUp(t *testing.T) {
	g, _, _ := newTestGovernor(t, Options{})

	var seen string
	err := g.Monitor("search", time.Second, 0, func(id string) error {
		seen = id
		assert.Equal(t, 1, g.ActiveExecutions())
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")
	assert.NotEmpty(t, seen)
	assert.Zero(t, g.ActiveExecutions())

	assert.Panics(t, func() {
		_ = g.Monitor("search", time.Second, 0, func(string) error { panic("tool crashed") })
	})
	assert.Zero(t, g.ActiveExecutions(), "panicking executions are unregistered")
}

func TestTickAlertsAndHistory(t *testing.T) {
	g, clock, sink := newTestGovernor(t, Options{
		Sampler:     staticSampler{sample: SystemSample{MemoryPercent: 85, CPUPercent: 90}},
		DBPoolUsage: func() (float64, bool) { return 10, true },
	})
	var ticks int
	g.OnTick(func(usage map[ResourceType]ResourceUsage) {
		ticks++
		assert.Contains(t, usage, ResourceMemory)
	})

	require.NoError(t, g.Tick(context.Background()))

	levels := map[ResourceType]AlertLevel{}
	for _, alert := range sink.all() {
		levels[alert.Type] = alert.Level
	}
	assert.Equal(t, AlertWarning, levels[ResourceMemory])
	assert.Equal(t, AlertCritical, levels[ResourceCPU])
	assert.NotContains(t, levels, ResourceDBPool)
	assert.Equal(t, 1, ticks)
	assert.Len(t, g.History(), len(ResourceTypes))

	clock.Advance(25 * time.Hour)
	require.NoError(t, g.Tick(context.Background()))
	assert.Len(t, g.History(), len(ResourceTypes), "entries older than the retention are pruned")
}

func TestTickExecutionTimeoutAlert(t *testing.T) {
	g, clock, sink := newTestGovernor(t, Options{Limits: []ResourceLimit{
		{Type: ResourceToolExecution, Soft: 300, Hard: 600, Enabled: true},
	}})

	execution := g.Begin("slow", 2*time.Second, 0)
	defer execution.End()
	clock.Advance(3 * time.Second)

	require.NoError(t, g.Tick(context.Background()))
	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertWarning, alerts[0].Level)
	assert.Equal(t, "slow", alerts[0].ToolName)
	assert.Equal(t, execution.ID(), alerts[0].ExecutionID)
	assert.Contains(t, alerts[0].Message, "execution timeout")
}

func TestTickSamplerError(t *testing.T) {
	g, clock, sink := newTestGovernor(t, Options{Sampler: staticSampler{err: errors.New("no procfs")}})
	var hookUsage map[ResourceType]ResourceUsage
	g.OnTick(func(usage map[ResourceType]ResourceUsage) { hookUsage = usage })

	execution := g.Begin("slow", time.Second, 0)
	defer execution.End()
	clock.Advance(2 * time.Second)

	err := g.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no procfs")

	alerts := sink.all()
	require.Len(t, alerts, 1, "the timeout scan still runs")
	assert.Equal(t, "slow", alerts[0].ToolName)
	require.NotNil(t, hookUsage, "tick hooks still run")
	assert.NotContains(t, hookUsage, ResourceMemory)
	assert.Contains(t, hookUsage, ResourceToolExecution)
	assert.NotEmpty(t, g.History())

	stats := g.GetSystemStats(context.Background())
	assert.Contains(t, stats.SampleError, "no procfs")
	assert.Contains(t, stats.Usage, ResourceConversation)
}

type windowSampler struct {
	samples atomic.Int32
	peeks   atomic.Int32
}

func (s *windowSampler) Sample(context.Context) (SystemSample, error) {
	s.samples.Add(1)
	return SystemSample{MemoryPercent: 10}, nil
}

func (s *windowSampler) Peek(context.Context) (SystemSample, error) {
	s.peeks.Add(1)
	return SystemSample{MemoryPercent: 10}, nil
}

func TestDiagnosticReadsPeek(t *testing.T) {
	sampler := &windowSampler{}
	g, _, _ := newTestGovernor(t, Options{Sampler: sampler})
	ctx := context.Background()

	_, err := g.GetCurrentUsage(ctx)
	require.NoError(t, err)
	_, err = g.CheckResourceLimits(ctx)
	require.NoError(t, err)
	g.GetSystemStats(ctx)
	assert.EqualValues(t, 3, sampler.peeks.Load())
	assert.Zero(t, sampler.samples.Load())

	require.NoError(t, g.Tick(ctx))
	assert.EqualValues(t, 1, sampler.samples.Load())
}

func writeProc(t *testing.T, dir, stat string) {
	t.Helper()
	meminfo := "MemTotal:       1000 kB\nMemFree:         200 kB\nMemAvailable:    250 kB\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meminfo"), []byte(meminfo), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644))
}

func TestProcSamplerWindows(t *testing.T) {
	dir := t.TempDir()
	writeProc(t, dir, "cpu  100 0 100 800 0 0 0 0 0 0\n")
	fs, err := procfs.NewFS(dir)
	require.NoError(t, err)
	s := &ProcSampler{fs: fs}
	ctx := context.Background()

	first, err := s.Sample(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 75.0, first.MemoryPercent, 1e-9)
	assert.InDelta(t, 20.0, first.CPUPercent, 1e-9)
	_, err = s.Peek(ctx)
	require.NoError(t, err)

	writeProc(t, dir, "cpu  300 0 300 1400 0 0 0 0 0 0\n")
	peek, err := s.Peek(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 40.0, peek.CPUPercent, 1e-9)
	again, err := s.Peek(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.CPUPercent)

	monitor, err := s.Sample(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 40.0, monitor.CPUPercent, 1e-9, "peeks leave the monitor window intact")
}

func TestAlertCallbackPanicIsRecovered(t *testing.T) {
	g, _, sink := newTestGovernor(t, Options{})
	g.OnAlert(func(ResourceAlert) { panic("bad callback") })
	second := &alertSink{}
	g.OnAlert(second.add)

	assert.NotPanics(t, func() { g.TrackConversationMemory("s", 500) })
	assert.Len(t, sink.all(), 1)
	assert.Len(t, second.all(), 1, "callbacks after a panicking one still run")
}

func TestCheckResourceLimitsDoesNotEmit(t *testing.T) {
	g, _, sink := newTestGovernor(t, Options{Sampler: staticSampler{sample: SystemSample{MemoryPercent: 95}}})

	alerts, err := g.CheckResourceLimits(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, ResourceMemory, alerts[0].Type)
	assert.Equal(t, AlertCritical, alerts[0].Level)
	assert.Empty(t, sink.all())
}

func TestSetLimit(t *testing.T) {
	g, _, _ := newTestGovernor(t, Options{})

	require.Error(t, g.SetLimit(ResourceLimit{Type: ResourceCPU, Soft: 90, Hard: 80}))
	require.Error(t, g.SetLimit(ResourceLimit{Type: "disk", Soft: 1, Hard: 2}))
	require.NoError(t, g.SetLimit(ResourceLimit{Type: ResourceCPU, Soft: 50, Hard: 60, Enabled: true}))

	limit, ok := g.Limit(ResourceCPU)
	require.True(t, ok)
	assert.Equal(t, 50.0, limit.Soft)
	assert.Equal(t, UnitPercent, limit.Unit)
}

func TestNewRejectsInvalidLimits(t *testing.T) {
	_, err := New(Options{Limits: []ResourceLimit{{Type: ResourceMemory, Soft: 95, Hard: 90}}})
	assert.Error(t, err)
}

func TestRunRecoversFromFailedTicks(t *testing.T) {
	calls := make(chan struct{}, 8)
	g, err := New(Options{
		Sampler:         countingSampler{calls: calls, err: errors.New("transient")},
		MonitorInterval: time.Millisecond,
		ErrorBackoff:    time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()
	for range 3 {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("monitor loop stopped ticking after an error")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor loop did not stop")
	}
}

type countingSampler struct {
	calls chan struct{}
	err   error
}

func (s countingSampler) Sample(context.Context) (SystemSample, error) {
	select {
	case s.calls <- struct{}{}:
	default:
	}
	return SystemSample{}, s.err
}
