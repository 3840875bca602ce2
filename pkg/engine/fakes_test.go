package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var testClock = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var testLogger = zerolog.Nop()

func tpLink() DeviceIdentity {
	return DeviceIdentity{Manufacturer: "TP-Link", ProductClass: "Archer C6", SerialNumber: "ABC123"}
}

func testContact() Contact {
	return Contact{Device: tpLink(), Timestamp: testClock}
}

// Mock device transport for testing
type mockTransport struct {
	mu sync.Mutex

	params    map[Path]Value
	readOnly  map[Path]bool
	instances map[Path][]int

	readFault  error
	writeFault error
	block      bool

	reads       [][]Path
	writes      []map[Path]Value
	discoveries []Path
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		params:    make(map[Path]Value),
		readOnly:  make(map[Path]bool),
		instances: make(map[Path][]int),
	}
}

func (m *mockTransport) set(path string, v Value) *mockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params[Path(path)] = v
	return m
}

func (m *mockTransport) get(path string) (Value, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.params[Path(path)]
	return v, ok
}

func (m *mockTransport) ReadBatch(ctx context.Context, device DeviceIdentity, paths []Path) (map[Path]ReadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = append(m.reads, append([]Path(nil), paths...))
	if m.block {
		m.mu.Unlock()
		<-ctx.Done()
		m.mu.Lock()
		return nil, ctx.Err()
	}
	if m.readFault != nil {
		return nil, m.readFault
	}
	out := make(map[Path]ReadResult, len(paths))
	for _, p := range paths {
		if v, ok := m.params[p]; ok {
			out[p] = ReadResult{Value: v}
		} else {
			out[p] = ReadResult{Err: NewReadError(p, fmt.Errorf("invalid parameter name"))}
		}
	}
	return out, nil
}

func (m *mockTransport) WriteBatch(ctx context.Context, device DeviceIdentity, values map[Path]Value) (map[Path]error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[Path]Value, len(values))
	for p, v := range values {
		cp[p] = v
	}
	m.writes = append(m.writes, cp)
	if m.writeFault != nil {
		return nil, m.writeFault
	}
	out := make(map[Path]error, len(values))
	for p, v := range values {
		if _, ok := m.params[p]; !ok {
			out[p] = NewWriteError(p, fmt.Errorf("invalid parameter name"))
			continue
		}
		if m.readOnly[p] {
			out[p] = NewWriteError(p, fmt.Errorf("parameter is read-only"))
			continue
		}
		m.params[p] = v
		out[p] = nil
	}
	return out, nil
}

func (m *mockTransport) DiscoverInstances(ctx context.Context, device DeviceIdentity, parent Path) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoveries = append(m.discoveries, parent)
	if idx, ok := m.instances[parent]; ok {
		return append([]int(nil), idx...), nil
	}

	found := false
	seen := make(map[int]bool)
	for p := range m.params {
		if !strings.HasPrefix(string(p), string(parent)) {
			continue
		}
		found = true
		rest := strings.TrimPrefix(string(p), string(parent))
		seg := strings.SplitN(rest, ".", 2)[0]
		if n, err := strconv.Atoi(seg); err == nil {
			seen[n] = true
		}
	}
	if !found {
		return nil, NewReadError(parent, fmt.Errorf("invalid object name"))
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

func (m *mockTransport) readCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, batch := range m.reads {
		for _, p := range batch {
			if p == Path(path) {
				n++
			}
		}
	}
	return n
}

func (m *mockTransport) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, batch := range m.writes {
		n += len(batch)
	}
	return n
}

// Mock tag repository for testing
type mockTagRepo struct {
	mu      sync.Mutex
	tags    map[string]map[string]Value
	gets    int
	commits []map[string]Value
}

func newMockTagRepo() *mockTagRepo {
	return &mockTagRepo{tags: make(map[string]map[string]Value)}
}

func (m *mockTagRepo) GetTag(ctx context.Context, deviceID, name string) (Value, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	v, ok := m.tags[deviceID][name]
	return v, ok, nil
}

func (m *mockTagRepo) CommitTags(ctx context.Context, deviceID string, tags map[string]Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tags[deviceID] == nil {
		m.tags[deviceID] = make(map[string]Value)
	}
	cp := make(map[string]Value, len(tags))
	for k, v := range tags {
		m.tags[deviceID][k] = v
		cp[k] = v
	}
	m.commits = append(m.commits, cp)
	return nil
}

func (m *mockTagRepo) commitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commits)
}

// Mock parameter repository for testing
type mockParamRepo struct {
	mu        sync.Mutex
	snapshots map[string]*Snapshot
}

func newMockParamRepo() *mockParamRepo {
	return &mockParamRepo{snapshots: make(map[string]*Snapshot)}
}

func (m *mockParamRepo) LoadParameters(ctx context.Context, deviceID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[deviceID], nil
}

func (m *mockParamRepo) SaveParameters(ctx context.Context, deviceID string, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[deviceID] = s
	return nil
}

// Mock write guard for testing
type mockGuard struct {
	deny map[Path]string
	err  error
	seen []PlannedWrite
}

func (g *mockGuard) Review(ctx context.Context, contact Contact, writes []PlannedWrite) (map[Path]string, error) {
	g.seen = append(g.seen, writes...)
	if g.err != nil {
		return nil, g.err
	}
	return g.deny, nil
}

// Mock log sink for testing
type mockSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *mockSink) Log(device DeviceIdentity, level LogLevel, msg string, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, msg)
}

func (s *mockSink) contains(msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if l == msg {
			return true
		}
	}
	return false
}

func newTestOrchestrator(transport Transport, tags TagRepository, opts Options) *Orchestrator {
	logger := zerolog.Nop()
	opts.Logger = &logger
	if opts.TransportTimeout == 0 {
		opts.TransportTimeout = time.Second
	}
	return NewOrchestrator(transport, tags, opts)
}
