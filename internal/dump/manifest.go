// Package dump reads and writes offline stack dumps: a YAML manifest holding
// captured target memory, the trampoline table, the managed code ranges with
// their unwind information, and the threads to walk.
package dump

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Hex is an integer written in hexadecimal.
type Hex uint64

// UnmarshalYAML accepts any integer literal that strconv.ParseUint does.
func (h *Hex) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected an integer", n.Line)
	}
	v, err := strconv.ParseUint(strings.ReplaceAll(n.Value, "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid integer %q", n.Line, n.Value)
	}
	*h = Hex(v)
	return nil
}

func (h Hex) MarshalYAML() (any, error) {
	return &yaml.Node{
		Kind:  yaml.ScalarNode,
		Tag:   "!!int",
		Value: fmt.Sprintf("%#x", uint64(h)),
	}, nil
}

// Bytes is a byte string written in hexadecimal.
type Bytes []byte

func (b *Bytes) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a hex string", n.Line)
	}
	s := strings.Join(strings.Fields(n.Value), "")
	v, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*b = v
	return nil
}

func (b Bytes) MarshalYAML() (any, error) {
	return hex.EncodeToString(b), nil
}

type Manifest struct {
	Arch    string   `yaml:"arch"`
	Regions []Region `yaml:"regions,omitempty"`
	Thunks  []Thunk  `yaml:"thunks,omitempty"`
	Modules []Module `yaml:"modules"`
	Threads []Thread `yaml:"threads,omitempty"`
}

// Region is a range of captured memory. Zero maps that many zero bytes
// instead of Data.
type Region struct {
	Addr Hex   `yaml:"addr"`
	Data Bytes `yaml:"data,omitempty"`
	Zero Hex   `yaml:"zero,omitempty"`
}

type Thunk struct {
	ID   string `yaml:"id"`
	Addr Hex    `yaml:"addr"`
}

type Module struct {
	Name    string   `yaml:"name,omitempty"`
	Methods []Method `yaml:"methods"`
}

type Method struct {
	Name   string `yaml:"name"`
	Start  Hex    `yaml:"start"`
	Size   Hex    `yaml:"size"`
	Unwind Bytes  `yaml:"unwind"`
}

type Thread struct {
	ID       uint64 `yaml:"id"`
	Hijacked bool   `yaml:"hijacked,omitempty"`
	// TransitionFrame is where the thread is parked for a GC walk.
	TransitionFrame Hex `yaml:"transition_frame,omitempty"`
	// StackTraceFrame is the frame the thread erected to capture its own
	// stack trace.
	StackTraceFrame Hex `yaml:"stack_trace_frame,omitempty"`
	// Context is a full context to walk from, for threads interrupted
	// outside of a transition frame.
	Context Hex `yaml:"context,omitempty"`
	// ExInfos are the active exception records, deepest first.
	ExInfos []ExInfo `yaml:"exinfos,omitempty"`
}

type ExInfo struct {
	Addr    Hex       `yaml:"addr"`
	Kind    string    `yaml:"kind"`
	Pass    uint8     `yaml:"pass"`
	Clause  *uint32   `yaml:"clause,omitempty"`
	Context Hex       `yaml:"context"`
	Frame   *Snapshot `yaml:"frame,omitempty"`
}

// Snapshot is the dispatcher's iterator state saved in an exception record.
type Snapshot struct {
	ControlPC  Hex    `yaml:"control_pc"`
	IP         Hex    `yaml:"ip"`
	IPLocation Hex    `yaml:"ip_location,omitempty"`
	SP         Hex    `yaml:"sp"`
	Flags      string `yaml:"flags"`
	// NextExInfo indexes the thread's ExInfos, or is -1.
	NextExInfo int                 `yaml:"next_exinfo"`
	Regs       map[string]RegState `yaml:"regs,omitempty"`
	Float      Bytes               `yaml:"float,omitempty"`
}

// RegState is either the location of a register in target memory or its
// value.
type RegState struct {
	Location *Hex `yaml:"location,omitempty"`
	Value    *Hex `yaml:"value,omitempty"`
}

// Parse decodes a manifest. Unknown keys are rejected.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Arch == "" {
		return nil, fmt.Errorf("manifest does not name an architecture")
	}
	return &m, nil
}

// ReadFile parses the manifest at path.
func ReadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Marshal encodes m as YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}
