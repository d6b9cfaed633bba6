package core

// Entity resolution: building the ordered representation list a keyed fetch
// sends downstream, and mapping the positional result back onto the
// originating objects. Pure mapping logic shared by planning and execution.

const typenameKey = "__typename"

// BuildRepresentations produces one representation per object that carries
// every key field, in input order. The returned index slice maps each
// representation back to its originating object, so duplicate keys resolve
// independently and objects with missing keys are skipped without shifting
// positions.
func BuildRepresentations(objects []map[string]any, typeName string, keyFields, requiredFields []string) ([]map[string]any, []int) {
	representations := make([]map[string]any, 0, len(objects))
	indexes := make([]int, 0, len(objects))

	for i, object := range objects {
		if object == nil {
			continue
		}
		representation := make(map[string]any, len(keyFields)+len(requiredFields)+1)
		representation[typenameKey] = typeName

		complete := true
		for _, field := range keyFields {
			value, ok := object[field]
			if !ok || value == nil {
				complete = false
				break
			}
			representation[field] = value
		}
		if !complete {
			continue
		}
		for _, field := range requiredFields {
			if value, ok := object[field]; ok {
				representation[field] = value
			}
		}

		representations = append(representations, representation)
		indexes = append(indexes, i)
	}
	return representations, indexes
}

// MergeEntities maps a positional entity list back onto the originating
// objects. Entities are merged field by field into their objects; a null
// entry leaves its object untouched, preserving order and nesting, so an
// unresolved key surfaces as null for the requested fields without shifting
// positions.
func MergeEntities(objects []map[string]any, indexes []int, entities []any) {
	for position, index := range indexes {
		if position >= len(entities) {
			return
		}
		entity, ok := entities[position].(map[string]any)
		if !ok || entity == nil {
			continue
		}
		if index < 0 || index >= len(objects) || objects[index] == nil {
			continue
		}
		deepMergeMap(objects[index], entity)
	}
}

// deepMergeMap merges src into dst, recursing into nested objects and
// parallel lists so sibling fetches writing disjoint leaves under one path
// combine regardless of arrival order.
func deepMergeMap(dst, src map[string]any) {
	for key, srcValue := range src {
		dstValue, exists := dst[key]
		if !exists {
			dst[key] = srcValue
			continue
		}
		switch srcTyped := srcValue.(type) {
		case map[string]any:
			if dstTyped, ok := dstValue.(map[string]any); ok {
				deepMergeMap(dstTyped, srcTyped)
				continue
			}
			dst[key] = srcValue
		case []any:
			if dstTyped, ok := dstValue.([]any); ok && len(dstTyped) == len(srcTyped) {
				deepMergeList(dstTyped, srcTyped)
				continue
			}
			dst[key] = srcValue
		default:
			dst[key] = srcValue
		}
	}
}

func deepMergeList(dst, src []any) {
	for i := range src {
		srcItem, srcOK := src[i].(map[string]any)
		dstItem, dstOK := dst[i].(map[string]any)
		if srcOK && dstOK {
			deepMergeMap(dstItem, srcItem)
			continue
		}
		dst[i] = src[i]
	}
}
