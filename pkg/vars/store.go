package vars

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mapflow/mapflow/pkg/models"
)

// Standard variable names populated by the engine itself.
const (
	ItemVar      = "item"
	ItemIndexVar = "item_index"
	ItemTotalVar = "item_total"
	LastOutput   = "last.output"
	LastExitCode = "last.exit_code"

	MapTotal      = "map.total"
	MapSuccessful = "map.successful"
	MapFailed     = "map.failed"
	MapResults    = "map.results"
)

// DefaultMaxCaptureSize bounds a captured primary value.
const DefaultMaxCaptureSize = 1 << 20

// Scope identifies which layer of the store a write lands in.
type Scope int

const (
	// WorkflowScope is written during setup and visible everywhere.
	WorkflowScope Scope = iota
	// AgentScope is local to one map-phase agent and dies with it.
	AgentScope
	// ReduceScope is visible to the current and later reduce steps only.
	ReduceScope
)

// Value is one captured variable: a typed primary value plus the fixed
// metadata fields (stderr, exit_code, success, duration).
type Value struct {
	Primary interface{}            `json:"primary"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// Store is the layered variable table. The workflow layer is written only
// while setup or reduce runs sequentially, so map-phase agents read it
// without locking; each agent gets its own derived store via AgentView.
type Store struct {
	workflow map[string]Value
	agent    map[string]Value
	reduce   map[string]Value
}

func NewStore() *Store {
	return &Store{workflow: make(map[string]Value)}
}

// AgentView derives a store for one agent execution: it shares the workflow
// layer read-only and owns a fresh agent layer.
func (s *Store) AgentView() *Store {
	return &Store{workflow: s.workflow, agent: make(map[string]Value)}
}

// ReduceView derives the store handed to the reduce interpreter.
func (s *Store) ReduceView() *Store {
	return &Store{workflow: s.workflow, reduce: make(map[string]Value)}
}

// Set writes a value into the given scope. Re-setting a name overwrites the
// prior value in that scope only.
func (s *Store) Set(scope Scope, name string, v Value) error {
	switch scope {
	case WorkflowScope:
		s.workflow[name] = v
	case AgentScope:
		if s.agent == nil {
			return fmt.Errorf("agent scope not available outside a map agent")
		}
		s.agent[name] = v
	case ReduceScope:
		if s.reduce == nil {
			return fmt.Errorf("reduce scope not available outside the reduce phase")
		}
		s.reduce[name] = v
	default:
		return fmt.Errorf("unknown scope %d", scope)
	}
	return nil
}

// SetPlain stores a bare value with no metadata in the given scope.
func (s *Store) SetPlain(scope Scope, name string, primary interface{}) error {
	return s.Set(scope, name, Value{Primary: primary})
}

// DefaultWriteScope returns where an unqualified capture lands for this view:
// agent-local inside an agent, reduce-forward inside reduce, else workflow.
func (s *Store) DefaultWriteScope() Scope {
	if s.agent != nil {
		return AgentScope
	}
	if s.reduce != nil {
		return ReduceScope
	}
	return WorkflowScope
}

// lookup finds the named variable, resolving agent -> workflow -> reduce.
func (s *Store) lookup(name string) (Value, bool) {
	if s.agent != nil {
		if v, ok := s.agent[name]; ok {
			return v, true
		}
	}
	if v, ok := s.workflow[name]; ok {
		return v, true
	}
	if s.reduce != nil {
		if v, ok := s.reduce[name]; ok {
			return v, true
		}
	}
	return Value{}, false
}

// Get resolves a reference like "name", "name.field", "name[2]" or
// "name.exit_code". Variable names may themselves contain dots (map.results),
// so the longest name that exists wins before the remainder is treated as a
// path into the value.
func (s *Store) Get(ref string) (interface{}, error) {
	name, path := s.splitRef(ref)
	if name == "" {
		return nil, &models.InterpolationError{Reference: ref}
	}
	v, _ := s.lookup(name)
	if path == "" {
		return v.Primary, nil
	}
	return resolvePath(v, path, ref)
}

// Has reports whether the reference resolves to a known variable.
func (s *Store) Has(ref string) bool {
	name, _ := s.splitRef(ref)
	return name != ""
}

// splitRef finds the longest registered variable name that prefixes ref at a
// dot or bracket boundary, returning the name and the remaining path.
func (s *Store) splitRef(ref string) (name, path string) {
	candidate := ref
	// Strip any index expression from the candidate before prefix matching.
	if i := strings.IndexByte(candidate, '['); i >= 0 {
		candidate = candidate[:i]
	}
	for candidate != "" {
		if _, ok := s.lookup(candidate); ok {
			rest := strings.TrimPrefix(ref[len(candidate):], ".")
			return candidate, rest
		}
		i := strings.LastIndexByte(candidate, '.')
		if i < 0 {
			return "", ""
		}
		candidate = candidate[:i]
	}
	return "", ""
}

// resolvePath walks field and index segments into a value, starting with the
// fixed metadata names.
func resolvePath(v Value, path, ref string) (interface{}, error) {
	segs := splitPath(path)
	cur := v.Primary
	for i, seg := range segs {
		if i == 0 && v.Meta != nil {
			if mv, ok := v.Meta[seg]; ok && len(segs) == 1 {
				return mv, nil
			}
		}
		if idx, isIndex := parseIndex(seg); isIndex {
			switch c := cur.(type) {
			case []interface{}:
				if idx < 0 || idx >= len(c) {
					return nil, &models.InterpolationError{Reference: ref}
				}
				cur = c[idx]
			case []string:
				if idx < 0 || idx >= len(c) {
					return nil, &models.InterpolationError{Reference: ref}
				}
				cur = c[idx]
			default:
				return nil, &models.InterpolationError{Reference: ref}
			}
			continue
		}
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, &models.InterpolationError{Reference: ref}
		}
		cur, ok = m[seg]
		if !ok {
			return nil, &models.InterpolationError{Reference: ref}
		}
	}
	return cur, nil
}

// splitPath breaks "field[1].sub" into ["field", "[1]", "sub"].
func splitPath(path string) []string {
	var segs []string
	for _, part := range strings.Split(path, ".") {
		for {
			i := strings.IndexByte(part, '[')
			if i < 0 {
				if part != "" {
					segs = append(segs, part)
				}
				break
			}
			if i > 0 {
				segs = append(segs, part[:i])
			}
			j := strings.IndexByte(part[i:], ']')
			if j < 0 {
				segs = append(segs, part[i:])
				break
			}
			segs = append(segs, part[i:i+j+1])
			part = part[i+j+1:]
		}
	}
	return segs
}

func parseIndex(seg string) (int, bool) {
	if len(seg) < 3 || seg[0] != '[' || seg[len(seg)-1] != ']' {
		return 0, false
	}
	n, err := strconv.Atoi(seg[1 : len(seg)-1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// FormatValue renders a resolved value for substitution into command text.
func FormatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case time.Duration:
		return t.String()
	case []string:
		return strings.Join(t, "\n")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// SnapshotWorkflow serializes the workflow-wide layer for checkpointing.
func (s *Store) SnapshotWorkflow() (json.RawMessage, error) {
	return json.Marshal(s.workflow)
}

// RestoreWorkflow replaces the workflow-wide layer from a checkpoint snapshot.
func (s *Store) RestoreWorkflow(data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	restored := make(map[string]Value)
	if err := json.Unmarshal(data, &restored); err != nil {
		return err
	}
	s.workflow = restored
	return nil
}
