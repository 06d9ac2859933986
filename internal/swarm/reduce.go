package swarm

// reduceValues implements the single-subtask finalization rule from §4.8:
// numeric inputs sum, object inputs shallow-merge (later entries win on key
// collision), anything else passes through as a list.
func reduceValues(inputs []any) any {
	if len(inputs) == 0 {
		return nil
	}
	if sum, ok := sumIfNumeric(inputs); ok {
		return sum
	}
	if merged, ok := mergeIfObjects(inputs); ok {
		return merged
	}
	return inputs
}

func sumIfNumeric(inputs []any) (float64, bool) {
	total := 0.0
	for _, v := range inputs {
		n, ok := toFloat(v)
		if !ok {
			return 0, false
		}
		total += n
	}
	return total, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func mergeIfObjects(inputs []any) (map[string]any, bool) {
	merged := make(map[string]any)
	for _, v := range inputs {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		for k, val := range obj {
			merged[k] = val
		}
	}
	return merged, true
}
