package validation

// Normalize cleans a submission's step params in place: nil values and
// empty lists are dropped so optional fields sloppy clients send as
// null or [] round-trip cleanly. Nested maps are cleaned recursively.
func Normalize(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	for k, v := range params {
		switch val := v.(type) {
		case nil:
			delete(params, k)
		case []any:
			if len(val) == 0 {
				delete(params, k)
			}
		case map[string]any:
			params[k] = Normalize(val)
		}
	}
	return params
}
