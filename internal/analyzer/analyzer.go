// Package analyzer runs one session per configured instrument and exposes
// them to the dispatcher through a Gateway.
package analyzer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/protocol"
)

// Method is how the host reaches the instrument.
type Method string

const (
	MethodTCPServer Method = "tcp-server"
	MethodTCPClient Method = "tcp-client"
	MethodSerial    Method = "serial"
	MethodFile      Method = "file"
)

// Mapping translates a lab test code to the instrument's own code.
type Mapping struct {
	TestCode     string `mapstructure:"test_code" json:"test_code"`
	AnalyzerCode string `mapstructure:"analyzer_code" json:"analyzer_code"`
}

// Analyzer is one configured instrument.
type Analyzer struct {
	ID       string        `mapstructure:"id" json:"id"`
	Name     string        `mapstructure:"name" json:"name"`
	Protocol protocol.Name `mapstructure:"protocol" json:"protocol"`
	Method   Method        `mapstructure:"method" json:"method"`
	// Address is the listen address for tcp-server and the peer for tcp-client.
	Address  string `mapstructure:"address" json:"address,omitempty"`
	Device   string `mapstructure:"device" json:"device,omitempty"`
	BaudRate int    `mapstructure:"baud_rate" json:"baud_rate,omitempty"`
	// InboxDir receives result files, OutboxDir gets worklist files.
	InboxDir     string        `mapstructure:"inbox_dir" json:"inbox_dir,omitempty"`
	OutboxDir    string        `mapstructure:"outbox_dir" json:"outbox_dir,omitempty"`
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval,omitempty"`
	Mappings     []Mapping     `mapstructure:"mappings" json:"mappings"`
}

// Validate checks that the analyzer can be started.
func (a Analyzer) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("analyzer id is required")
	}
	switch a.Protocol {
	case protocol.HL7, protocol.ASTM, protocol.Vendor:
	default:
		return fmt.Errorf("analyzer %s: unknown protocol %q", a.ID, a.Protocol)
	}
	switch a.Method {
	case MethodTCPServer, MethodTCPClient:
		if a.Address == "" {
			return fmt.Errorf("analyzer %s: address is required for %s", a.ID, a.Method)
		}
	case MethodSerial:
		if a.Device == "" {
			return fmt.Errorf("analyzer %s: device is required for serial", a.ID)
		}
	case MethodFile:
		if a.InboxDir == "" || a.OutboxDir == "" {
			return fmt.Errorf("analyzer %s: inbox_dir and outbox_dir are required for file", a.ID)
		}
	default:
		return fmt.Errorf("analyzer %s: unknown connection method %q", a.ID, a.Method)
	}
	seen := map[string]bool{}
	for _, m := range a.Mappings {
		code := strings.ToUpper(m.TestCode)
		if code == "" {
			return fmt.Errorf("analyzer %s: mapping without test code", a.ID)
		}
		if seen[code] {
			return fmt.Errorf("analyzer %s: test code %s mapped twice", a.ID, code)
		}
		seen[code] = true
	}
	return nil
}

// AnalyzerCode returns the instrument code for a lab test code.
func (a Analyzer) AnalyzerCode(testCode string) (string, bool) {
	for _, m := range a.Mappings {
		if strings.EqualFold(m.TestCode, testCode) {
			if m.AnalyzerCode == "" {
				return m.TestCode, true
			}
			return m.AnalyzerCode, true
		}
	}
	return "", false
}

// TestCode maps an instrument code back to the lab test code. Unmapped
// codes are returned unchanged.
func (a Analyzer) TestCode(analyzerCode string) string {
	for _, m := range a.Mappings {
		if strings.EqualFold(m.AnalyzerCode, analyzerCode) {
			return m.TestCode
		}
	}
	return analyzerCode
}

// Status is the live view of an analyzer.
type Status struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Protocol  protocol.Name `json:"protocol"`
	Method    Method        `json:"method"`
	Online    bool          `json:"online"`
	LastComm  time.Time     `json:"last_comm,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Registry holds the configured analyzers and their connection status.
type Registry struct {
	mu        sync.RWMutex
	analyzers map[string]Analyzer
	order     []string
	status    map[string]*Status
}

// NewRegistry validates and registers the analyzers.
func NewRegistry(analyzers ...Analyzer) (*Registry, error) {
	r := &Registry{
		analyzers: make(map[string]Analyzer),
		status:    make(map[string]*Status),
	}
	for _, a := range analyzers {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.analyzers[a.ID]; dup {
			return nil, fmt.Errorf("analyzer %s configured twice", a.ID)
		}
		r.analyzers[a.ID] = a
		r.order = append(r.order, a.ID)
		r.status[a.ID] = &Status{ID: a.ID, Name: a.Name, Protocol: a.Protocol, Method: a.Method}
	}
	return r, nil
}

// Get returns an analyzer by id.
func (r *Registry) Get(id string) (Analyzer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.analyzers[id]
	if !ok {
		return Analyzer{}, fmt.Errorf("analyzer %s: %w", id, lab.ErrNotFound)
	}
	return a, nil
}

// All returns the analyzers in configuration order.
func (r *Registry) All() []Analyzer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Analyzer, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.analyzers[id])
	}
	return out
}

// Route returns the analyzers that run testCode, online ones first, in
// configuration order otherwise.
func (r *Registry) Route(testCode string) []Analyzer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Analyzer
	for _, id := range r.order {
		if _, ok := r.analyzers[id].AnalyzerCode(testCode); ok {
			out = append(out, r.analyzers[id])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return r.status[out[i].ID].Online && !r.status[out[j].ID].Online
	})
	return out
}

// Statuses lists every analyzer's status.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.status[id])
	}
	return out
}

// Online reports whether a session is connected to the analyzer.
func (r *Registry) Online(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.status[id]
	return ok && s.Online
}

func (r *Registry) setOnline(id string, online bool, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.status[id]
	if !ok {
		return
	}
	s.Online = online
	if cause != nil {
		s.LastError = cause.Error()
	}
}

func (r *Registry) touch(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.status[id]; ok {
		s.LastComm = at
	}
}
