package instruction

import "fmt"

// Inverse computes the instruction that reverts ins, evaluated against
// the object ins has not yet been applied to. For every instruction
// that Apply accepts, Apply(Apply(root, ins), Inverse(root, ins))
// restores root.
//
//	set     -> set of the previous value, or delete when the key is new
//	delete  -> set of the previous value
//	insertArray -> removeArray at the same index
//	removeArray -> insertArray of the removed value
//	moveArray   -> moveArray with from and to swapped
func Inverse(root map[string]any, ins Instruction) (Instruction, error) {
	if err := Validate(ins); err != nil {
		return Instruction{}, err
	}

	switch ins.Op {
	case OpSet:
		return inverseSet(root, ins)
	case OpDelete:
		return inverseDelete(root, ins)
	case OpInsertArray:
		arr, err := resolveArray(root, ins.Path)
		if err != nil {
			return Instruction{}, err
		}
		if ins.Index > len(arr) {
			return Instruction{}, fmt.Errorf("%w: insert at %d (len %d)", ErrIndexRange, ins.Index, len(arr))
		}
		return Instruction{Op: OpRemoveArray, Path: ins.Path, Index: ins.Index}, nil
	case OpRemoveArray:
		arr, err := resolveArray(root, ins.Path)
		if err != nil {
			return Instruction{}, err
		}
		if ins.Index >= len(arr) {
			return Instruction{}, fmt.Errorf("%w: remove at %d (len %d)", ErrIndexRange, ins.Index, len(arr))
		}
		return Instruction{Op: OpInsertArray, Path: ins.Path, Index: ins.Index, Value: cloneValue(arr[ins.Index])}, nil
	case OpMoveArray:
		arr, err := resolveArray(root, ins.Path)
		if err != nil {
			return Instruction{}, err
		}
		if ins.From >= len(arr) || ins.To >= len(arr) {
			return Instruction{}, fmt.Errorf("%w: move %d->%d (len %d)", ErrIndexRange, ins.From, ins.To, len(arr))
		}
		return Instruction{Op: OpMoveArray, Path: ins.Path, From: ins.To, To: ins.From}, nil
	default:
		return Instruction{}, fmt.Errorf("%w: %q", ErrInvalidOp, ins.Op)
	}
}

func inverseSet(root map[string]any, ins Instruction) (Instruction, error) {
	container, err := resolve(root, ins.Path[:len(ins.Path)-1])
	if err != nil {
		return Instruction{}, err
	}
	final := ins.Path[len(ins.Path)-1]

	switch c := container.(type) {
	case map[string]any:
		prev, exists := c[final]
		if !exists {
			return Instruction{Op: OpDelete, Path: ins.Path}, nil
		}
		return Instruction{Op: OpSet, Path: ins.Path, Value: cloneValue(prev)}, nil
	case []any:
		idx, err := arrayStep(c, final)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: OpSet, Path: ins.Path, Value: cloneValue(c[idx])}, nil
	default:
		return Instruction{}, fmt.Errorf("%w: cannot address %q inside %T", ErrPathNotFound, final, container)
	}
}

func inverseDelete(root map[string]any, ins Instruction) (Instruction, error) {
	container, err := resolve(root, ins.Path[:len(ins.Path)-1])
	if err != nil {
		return Instruction{}, err
	}
	final := ins.Path[len(ins.Path)-1]

	m, ok := container.(map[string]any)
	if !ok {
		return Instruction{}, fmt.Errorf("%w: delete targets %T at %q", ErrPathNotFound, container, final)
	}
	prev, exists := m[final]
	if !exists {
		return Instruction{}, fmt.Errorf("%w: %q", ErrPathNotFound, final)
	}
	return Instruction{Op: OpSet, Path: ins.Path, Value: cloneValue(prev)}, nil
}

// resolve walks path inside root without copying and returns the value
// it addresses.
func resolve(root any, path []string) (any, error) {
	v := root
	for _, step := range path {
		switch c := v.(type) {
		case map[string]any:
			child, ok := c[step]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrPathNotFound, step)
			}
			v = child
		case []any:
			idx, err := arrayStep(c, step)
			if err != nil {
				return nil, err
			}
			v = c[idx]
		default:
			return nil, fmt.Errorf("%w: cannot traverse %T at %q", ErrPathNotFound, v, step)
		}
	}
	return v, nil
}

func resolveArray(root any, path []string) ([]any, error) {
	v, err := resolve(root, path)
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w at %s", ErrNotArray, pathString(path))
	}
	return arr, nil
}
