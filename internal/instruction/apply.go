package instruction

import "fmt"

// Apply executes an instruction against root and returns the resulting
// object. root is never mutated: containers along the instruction path
// are copied, untouched subtrees are shared between old and new root.
//
// A non-nil guard must match at least one object traversed while
// resolving the path (the root, any intermediate object, and for set
// and delete the addressed child) or application fails with
// ErrGuardMismatch.
func Apply(root map[string]any, ins Instruction, guard Guard) (map[string]any, error) {
	if err := Validate(ins); err != nil {
		return nil, err
	}

	w := &walker{guard: guard}

	var (
		result any
		err    error
	)
	switch ins.Op {
	case OpSet, OpDelete:
		final := ins.Path[len(ins.Path)-1]
		result, err = w.descend(root, ins.Path[:len(ins.Path)-1], func(container any) (any, error) {
			return w.mutateChild(container, final, ins)
		})
	default:
		result, err = w.descend(root, ins.Path, func(container any) (any, error) {
			arr, ok := container.([]any)
			if !ok {
				return nil, fmt.Errorf("%w at %s", ErrNotArray, pathString(ins.Path))
			}
			return mutateArray(arr, ins)
		})
	}
	if err != nil {
		return nil, err
	}

	if guard != nil && !w.matched {
		return nil, ErrGuardMismatch
	}

	newRoot, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: instruction replaced the object root", ErrPathNotFound)
	}
	return newRoot, nil
}

type walker struct {
	guard   Guard
	matched bool
}

func (w *walker) checkGuard(m map[string]any) {
	if w.guard != nil && !w.matched && w.guard(m) {
		w.matched = true
	}
}

// descend resolves path inside v, copying each container it passes
// through, and applies mutate to the value the full path addresses.
func (w *walker) descend(v any, path []string, mutate func(container any) (any, error)) (any, error) {
	if m, ok := v.(map[string]any); ok {
		w.checkGuard(m)
	}
	if len(path) == 0 {
		return mutate(v)
	}

	step := path[0]
	switch c := v.(type) {
	case map[string]any:
		child, ok := c[step]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrPathNotFound, step)
		}
		newChild, err := w.descend(child, path[1:], mutate)
		if err != nil {
			return nil, err
		}
		cp := copyMap(c)
		cp[step] = newChild
		return cp, nil

	case []any:
		idx, err := arrayStep(c, step)
		if err != nil {
			return nil, err
		}
		newChild, err := w.descend(c[idx], path[1:], mutate)
		if err != nil {
			return nil, err
		}
		cp := copySlice(c)
		cp[idx] = newChild
		return cp, nil

	default:
		return nil, fmt.Errorf("%w: cannot traverse %T at %q", ErrPathNotFound, v, step)
	}
}

// mutateChild applies set or delete at the final path step within its
// parent container.
func (w *walker) mutateChild(container any, final string, ins Instruction) (any, error) {
	switch c := container.(type) {
	case map[string]any:
		child, exists := c[final]
		if childMap, ok := child.(map[string]any); ok {
			w.checkGuard(childMap)
		}
		cp := copyMap(c)
		if ins.Op == OpDelete {
			if !exists {
				return nil, fmt.Errorf("%w: %q", ErrPathNotFound, final)
			}
			delete(cp, final)
		} else {
			cp[final] = cloneValue(ins.Value)
		}
		return cp, nil

	case []any:
		if ins.Op == OpDelete {
			return nil, fmt.Errorf("%w: delete targets array slot %q, use removeArray", ErrPathNotFound, final)
		}
		idx, err := arrayStep(c, final)
		if err != nil {
			return nil, err
		}
		if childMap, ok := c[idx].(map[string]any); ok {
			w.checkGuard(childMap)
		}
		cp := copySlice(c)
		cp[idx] = cloneValue(ins.Value)
		return cp, nil

	default:
		return nil, fmt.Errorf("%w: cannot address %q inside %T", ErrPathNotFound, final, container)
	}
}

func mutateArray(arr []any, ins Instruction) (any, error) {
	switch ins.Op {
	case OpInsertArray:
		if ins.Index > len(arr) {
			return nil, fmt.Errorf("%w: insert at %d (len %d)", ErrIndexRange, ins.Index, len(arr))
		}
		cp := make([]any, 0, len(arr)+1)
		cp = append(cp, arr[:ins.Index]...)
		cp = append(cp, cloneValue(ins.Value))
		cp = append(cp, arr[ins.Index:]...)
		return cp, nil

	case OpRemoveArray:
		if ins.Index >= len(arr) {
			return nil, fmt.Errorf("%w: remove at %d (len %d)", ErrIndexRange, ins.Index, len(arr))
		}
		cp := make([]any, 0, len(arr)-1)
		cp = append(cp, arr[:ins.Index]...)
		cp = append(cp, arr[ins.Index+1:]...)
		return cp, nil

	case OpMoveArray:
		if ins.From >= len(arr) {
			return nil, fmt.Errorf("%w: move from %d (len %d)", ErrIndexRange, ins.From, len(arr))
		}
		moved := arr[ins.From]
		tmp := make([]any, 0, len(arr)-1)
		tmp = append(tmp, arr[:ins.From]...)
		tmp = append(tmp, arr[ins.From+1:]...)
		if ins.To > len(tmp) {
			return nil, fmt.Errorf("%w: move to %d (len %d)", ErrIndexRange, ins.To, len(arr))
		}
		cp := make([]any, 0, len(arr))
		cp = append(cp, tmp[:ins.To]...)
		cp = append(cp, moved)
		cp = append(cp, tmp[ins.To:]...)
		return cp, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidOp, ins.Op)
	}
}

func copyMap(m map[string]any) map[string]any {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func copySlice(s []any) []any {
	cp := make([]any, len(s))
	copy(cp, s)
	return cp
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(tv))
		for k, val := range tv {
			cp[k] = cloneValue(val)
		}
		return cp
	case []any:
		cp := make([]any, len(tv))
		for i, val := range tv {
			cp[i] = cloneValue(val)
		}
		return cp
	default:
		return v
	}
}
