package tripsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

type PatchOp string

const (
	PatchOpAdd     PatchOp = "add"
	PatchOpRemove  PatchOp = "remove"
	PatchOpReplace PatchOp = "replace"
	PatchOpMove    PatchOp = "move"
	PatchOpCopy    PatchOp = "copy"
	PatchOpTest    PatchOp = "test"
)

// add, replace and test carry a value, which may be null
func (self PatchOp) hasValue() bool {
	switch self {
	case PatchOpAdd, PatchOpReplace, PatchOpTest:
		return true
	default:
		return false
	}
}

// PatchOperation is one json patch operation. `Path` and `From` are json pointers.
type PatchOperation struct {
	Op    PatchOp `json:"op"`
	Path  string  `json:"path"`
	From  string  `json:"from,omitempty"`
	Value any     `json:"value,omitempty"`
}

func Add(path string, value any) PatchOperation {
	return PatchOperation{Op: PatchOpAdd, Path: path, Value: value}
}

func Remove(path string) PatchOperation {
	return PatchOperation{Op: PatchOpRemove, Path: path}
}

func Replace(path string, value any) PatchOperation {
	return PatchOperation{Op: PatchOpReplace, Path: path, Value: value}
}

type patchOperationJson struct {
	Op    PatchOp         `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// a nil value is written as null for ops that carry a value
func (self PatchOperation) MarshalJSON() ([]byte, error) {
	w := patchOperationJson{
		Op:   self.Op,
		Path: self.Path,
		From: self.From,
	}
	if self.Op.hasValue() {
		value, err := json.Marshal(self.Value)
		if err != nil {
			return nil, err
		}
		w.Value = value
	}
	return json.Marshal(w)
}

func (self *PatchOperation) UnmarshalJSON(b []byte) error {
	var w patchOperationJson
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	var value any
	if len(w.Value) != 0 {
		if err := json.Unmarshal(w.Value, &value); err != nil {
			return err
		}
	} else if w.Op.hasValue() {
		return fmt.Errorf("%s %q: missing value", w.Op, w.Path)
	}
	*self = PatchOperation{
		Op:    w.Op,
		Path:  w.Path,
		From:  w.From,
		Value: value,
	}
	return nil
}

// PathError means an operation does not match the shape of the document.
// For a well formed operation this means the local document diverged from the sequence.
type PathError struct {
	Op     PatchOp
	Path   string
	Reason string
}

func (self *PathError) Error() string {
	if self.Op == "" {
		return fmt.Sprintf("path %q: %s", self.Path, self.Reason)
	}
	return fmt.Sprintf("%s %q: %s", self.Op, self.Path, self.Reason)
}

var (
	errPathNotFound    = errors.New("path not found")
	errNotContainer    = errors.New("parent is not a map or sequence")
	errIndexOutOfRange = errors.New("index out of range")
	errInvalidIndex    = errors.New("invalid sequence index")
	errRootType        = errors.New("document root must be a map")
	errCreateSequence  = errors.New("add would create a sequence")
	errTestFailed      = errors.New("test failed")
)

func patchApplyOptions() *jsonpatch.ApplyOptions {
	options := jsonpatch.NewApplyOptions()
	options.SupportNegativeIndices = false
	options.EnsurePathExistsOnAdd = true
	return options
}

// ApplyPatch applies the operations in order. Either all operations apply or the document
// is left unchanged and the first failure is returned as a `*PathError`.
func ApplyPatch(document *Document, ops []PatchOperation) error {
	root := document.root
	for _, op := range ops {
		next, err := applyOperation(root, op)
		if err != nil {
			return err
		}
		root = next
	}
	document.root = root
	return nil
}

// applyOperation returns a new tree. `root` is not modified.
func applyOperation(root map[string]any, op PatchOperation) (map[string]any, error) {
	pathError := func(err error) error {
		return &PathError{Op: op.Op, Path: op.Path, Reason: err.Error()}
	}

	if err := validatePatchOperation(op); err != nil {
		return nil, pathError(err)
	}
	segments, _ := parsePointer(op.Path)

	switch op.Op {
	case PatchOpAdd:
		if err := checkAdd(root, segments); err != nil {
			return nil, pathError(err)
		}
	case PatchOpMove, PatchOpCopy:
		fromSegments, _ := parsePointer(op.From)
		if _, ok := lookup(root, fromSegments); !ok {
			return nil, pathError(fmt.Errorf("from %q: %w", op.From, errPathNotFound))
		}
		if op.Op == PatchOpMove {
			if op.From == op.Path {
				return root, nil
			}
			if isPrefix(fromSegments, segments) {
				return nil, pathError(fmt.Errorf("cannot move %q into itself", op.From))
			}
		}
		if err := checkAdd(root, segments); err != nil {
			return nil, pathError(err)
		}
		if op.Op == PatchOpCopy && op.From == "" {
			op = Add(op.Path, root)
		}
	case PatchOpTest:
		value, ok := lookup(root, segments)
		if !ok {
			return nil, pathError(errPathNotFound)
		}
		if !jsonEqual(value, op.Value) {
			return nil, pathError(errTestFailed)
		}
		return root, nil
	default:
		if _, ok := lookup(root, segments); !ok {
			return nil, pathError(errPathNotFound)
		}
	}

	var next map[string]any
	var err error
	if len(segments) == 0 {
		next, err = applyToRoot(root, op)
	} else {
		next, err = applyWithPatch(root, op)
	}
	if err != nil {
		return nil, pathError(err)
	}
	return next, nil
}

// the root is replaced as a whole
func applyToRoot(root map[string]any, op PatchOperation) (map[string]any, error) {
	var value any
	switch op.Op {
	case PatchOpAdd, PatchOpReplace:
		value = op.Value
	case PatchOpMove, PatchOpCopy:
		fromSegments, _ := parsePointer(op.From)
		value, _ = lookup(root, fromSegments)
	default:
		return nil, errors.New("cannot remove the document root")
	}

	valueJson, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var next map[string]any
	if err := json.Unmarshal(valueJson, &next); err != nil || next == nil {
		return nil, errRootType
	}
	return next, nil
}

func applyWithPatch(root map[string]any, op PatchOperation) (map[string]any, error) {
	rootJson, err := json.Marshal(root)
	if err != nil {
		return nil, err
	}
	opJson, err := json.Marshal([]PatchOperation{op})
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.DecodePatch(opJson)
	if err != nil {
		return nil, err
	}
	nextJson, err := patch.ApplyWithOptions(rootJson, patchApplyOptions())
	switch {
	case err == nil:
	case errors.Is(err, jsonpatch.ErrMissing):
		return nil, errPathNotFound
	case errors.Is(err, jsonpatch.ErrInvalidIndex):
		return nil, errIndexOutOfRange
	default:
		return nil, err
	}

	next := map[string]any{}
	if err := json.Unmarshal(nextJson, &next); err != nil {
		return nil, err
	}
	return next, nil
}

// checkAdd requires the parent of the target to be a map or sequence. Absent intermediate
// maps are created on add, but never sequences, and sequences are never padded.
func checkAdd(root map[string]any, segments []string) error {
	if len(segments) == 0 {
		return nil
	}
	var node any = root
	for i, segment := range segments[:len(segments)-1] {
		switch v := node.(type) {
		case map[string]any:
			child, ok := v[segment]
			if !ok {
				// the patch library creates a sequence for a numeric segment under a created parent
				for _, created := range segments[i+1:] {
					if _, err := strconv.Atoi(created); err == nil || created == "-" {
						return errCreateSequence
					}
				}
				return nil
			}
			node = child
		case []any:
			index, err := parseIndex(segment, len(v), false)
			if err != nil {
				return err
			}
			node = v[index]
		default:
			return errNotContainer
		}
	}
	switch v := node.(type) {
	case map[string]any:
		return nil
	case []any:
		_, err := parseIndex(segments[len(segments)-1], len(v), true)
		return err
	default:
		return errNotContainer
	}
}

func validatePatchOperation(op PatchOperation) error {
	switch op.Op {
	case PatchOpAdd, PatchOpRemove, PatchOpReplace, PatchOpTest:
	case PatchOpMove, PatchOpCopy:
		if _, err := parsePointer(op.From); err != nil {
			return fmt.Errorf("%s from %q: %w", op.Op, op.From, err)
		}
	default:
		return fmt.Errorf("unknown patch op %q", op.Op)
	}
	if _, err := parsePointer(op.Path); err != nil {
		return fmt.Errorf("%s path %q: %w", op.Op, op.Path, err)
	}
	return nil
}

var pointerUnescaper = strings.NewReplacer("~1", "/", "~0", "~")

// json pointer, rfc 6901
func parsePointer(path string) ([]string, error) {
	if path == "" {
		return []string{}, nil
	}
	if path[0] != '/' {
		return nil, errors.New("pointer must be empty or start with /")
	}
	segments := strings.Split(path[1:], "/")
	for i, segment := range segments {
		for j := 0; j < len(segment); j += 1 {
			if segment[j] == '~' && (j+1 == len(segment) || (segment[j+1] != '0' && segment[j+1] != '1')) {
				return nil, fmt.Errorf("invalid escape in segment %q", segment)
			}
		}
		segments[i] = pointerUnescaper.Replace(segment)
	}
	return segments, nil
}

// `allowEnd` permits the index one past the end, written as the length or `-`
func parseIndex(segment string, length int, allowEnd bool) (int, error) {
	if segment == "-" {
		if allowEnd {
			return length, nil
		}
		return 0, errIndexOutOfRange
	}
	if segment == "" || (1 < len(segment) && segment[0] == '0') {
		return 0, errInvalidIndex
	}
	for _, c := range segment {
		if c < '0' || '9' < c {
			return 0, errInvalidIndex
		}
	}
	i, err := strconv.Atoi(segment)
	if err != nil {
		return 0, errInvalidIndex
	}
	if allowEnd {
		if length < i {
			return 0, errIndexOutOfRange
		}
	} else if length <= i {
		return 0, errIndexOutOfRange
	}
	return i, nil
}

func isPrefix(prefix []string, segments []string) bool {
	if len(segments) < len(prefix) {
		return false
	}
	for i, segment := range prefix {
		if segments[i] != segment {
			return false
		}
	}
	return true
}
