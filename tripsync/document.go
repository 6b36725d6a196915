package tripsync

import (
	"encoding/json"
	"reflect"
)

// Document is the shared trip plan: a tree of `map[string]any`, `[]any` and json scalars.
// A session owns its document and mutates it only with `ApplyPatch`.
// Not safe for concurrent use.
type Document struct {
	root map[string]any
}

func NewDocument() *Document {
	return &Document{
		root: map[string]any{},
	}
}

// the map is copied
func NewDocumentFromMap(root map[string]any) *Document {
	if root == nil {
		return NewDocument()
	}
	return &Document{
		root: deepCopy(root).(map[string]any),
	}
}

// Map returns a deep copy of the tree
func (self *Document) Map() map[string]any {
	return deepCopy(self.root).(map[string]any)
}

func (self *Document) Clone() *Document {
	return &Document{
		root: self.Map(),
	}
}

func (self *Document) Get(path string) (any, error) {
	segments, err := parsePointer(path)
	if err != nil {
		return nil, &PathError{Path: path, Reason: err.Error()}
	}
	value, ok := lookup(self.root, segments)
	if !ok {
		return nil, &PathError{Path: path, Reason: "path not found"}
	}
	return deepCopy(value), nil
}

func (self *Document) Equal(other *Document) bool {
	return reflect.DeepEqual(self.root, other.root)
}

func (self *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.root)
}

func (self *Document) UnmarshalJSON(b []byte) error {
	root := map[string]any{}
	if err := json.Unmarshal(b, &root); err != nil {
		return err
	}
	self.root = root
	return nil
}

func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		c := make(map[string]any, len(v))
		for key, child := range v {
			c[key] = deepCopy(child)
		}
		return c
	case []any:
		c := make([]any, len(v))
		for i, child := range v {
			c[i] = deepCopy(child)
		}
		return c
	default:
		return v
	}
}

func lookup(node any, segments []string) (any, bool) {
	for _, segment := range segments {
		switch v := node.(type) {
		case map[string]any:
			child, ok := v[segment]
			if !ok {
				return nil, false
			}
			node = child
		case []any:
			i, err := parseIndex(segment, len(v), false)
			if err != nil {
				return nil, false
			}
			node = v[i]
		default:
			return nil, false
		}
	}
	return node, true
}

// compares as json, so numbers compare by value regardless of Go type
func jsonEqual(a any, b any) bool {
	aJson, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bJson, err := json.Marshal(b)
	if err != nil {
		return false
	}
	var aValue any
	var bValue any
	if err := json.Unmarshal(aJson, &aValue); err != nil {
		return false
	}
	if err := json.Unmarshal(bJson, &bValue); err != nil {
		return false
	}
	return reflect.DeepEqual(aValue, bValue)
}
