// Package instruction implements the invertible edit protocol used for
// collaborative editing of graph elements and node configurations.
//
// An instruction addresses a location inside a decoded JSON object via
// a path and mutates it with one of five operations: set, delete,
// insertArray, removeArray and moveArray. Every valid instruction has a
// computable inverse against its pre-image, so applying an instruction
// followed by its inverse restores the original object.
//
// Apply never mutates its input. It copies the containers along the
// path and shares everything else, returning a new root. The package
// performs no I/O and holds no state; callers serialize application
// per instance.
package instruction

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Op identifies the mutation an instruction performs.
type Op string

const (
	OpSet         Op = "set"
	OpDelete      Op = "delete"
	OpInsertArray Op = "insertArray"
	OpRemoveArray Op = "removeArray"
	OpMoveArray   Op = "moveArray"
)

// Instruction is a single edit. Path addresses the location: each step
// selects a map key, or, when the current value is an array, either a
// decimal index or the child object whose "identifier" field equals the
// step. Array operations address the array at Path and use Index (or
// From/To for moves) within it.
type Instruction struct {
	Op    Op       `json:"op"`
	Path  []string `json:"path"`
	Value any      `json:"value,omitempty"`
	Index int      `json:"index,omitempty"`
	From  int      `json:"from,omitempty"`
	To    int      `json:"to,omitempty"`
}

// Validation and application errors. Apply and Inverse wrap these with
// path context; use errors.Is to classify.
var (
	ErrInvalidOp     = errors.New("unknown instruction op")
	ErrEmptyPath     = errors.New("instruction path is empty")
	ErrBadStep       = errors.New("instruction path step is empty")
	ErrNegativeIndex = errors.New("array index is negative")
	ErrPathNotFound  = errors.New("instruction path not found")
	ErrNotArray      = errors.New("instruction path is not an array")
	ErrIndexRange    = errors.New("array index out of range")
	ErrGuardMismatch = errors.New("targeted identifier not found on instruction path")
)

// Validate checks an instruction for schema errors. It is total and
// does not consult the object the instruction would apply to.
func Validate(ins Instruction) error {
	switch ins.Op {
	case OpSet, OpDelete, OpInsertArray, OpRemoveArray, OpMoveArray:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOp, ins.Op)
	}

	if len(ins.Path) == 0 {
		return ErrEmptyPath
	}
	for _, step := range ins.Path {
		if step == "" {
			return fmt.Errorf("%w (path %s)", ErrBadStep, pathString(ins.Path))
		}
	}

	switch ins.Op {
	case OpInsertArray, OpRemoveArray:
		if ins.Index < 0 {
			return fmt.Errorf("%w: %d", ErrNegativeIndex, ins.Index)
		}
	case OpMoveArray:
		if ins.From < 0 || ins.To < 0 {
			return fmt.Errorf("%w: from=%d to=%d", ErrNegativeIndex, ins.From, ins.To)
		}
	}
	return nil
}

// Guard is consulted for every object traversed while resolving an
// instruction path, root included. Application fails with
// ErrGuardMismatch unless the guard is satisfied by at least one
// traversed object.
type Guard func(node map[string]any) bool

// IdentifierGuard requires the path to traverse an object whose
// "identifier" field equals target. An empty target imposes nothing.
func IdentifierGuard(target string) Guard {
	if target == "" {
		return nil
	}
	return func(node map[string]any) bool {
		id, _ := node["identifier"].(string)
		return id == target
	}
}

// arrayStep resolves a path step within an array: a decimal step is an
// index, anything else matches the child object with that identifier.
func arrayStep(arr []any, step string) (int, error) {
	if idx, err := strconv.Atoi(step); err == nil {
		if idx < 0 || idx >= len(arr) {
			return 0, fmt.Errorf("%w: %d (len %d)", ErrIndexRange, idx, len(arr))
		}
		return idx, nil
	}
	for i, item := range arr {
		child, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := child["identifier"].(string); id == step {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: no array element with identifier %q", ErrPathNotFound, step)
}

func pathString(path []string) string {
	return strings.Join(path, ".")
}
