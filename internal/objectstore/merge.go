package objectstore

// MergeValues deep-merges incoming over current per the store's merge rule:
//   - if incoming is nil, the result is current; if current is nil, the
//     result is incoming.
//   - if either side is not a map[string]any (scalar, slice, or nil),
//     incoming replaces current wholesale — sequences are never concatenated.
//   - if both sides are maps, the result has keys(current) ∪ keys(incoming),
//     with each key's value recursively merged.
func MergeValues(current, incoming any) any {
	if incoming == nil {
		return current
	}
	if current == nil {
		return incoming
	}

	curMap, curOK := current.(map[string]any)
	incMap, incOK := incoming.(map[string]any)
	if !curOK || !incOK {
		return incoming
	}

	merged := make(map[string]any, len(curMap)+len(incMap))
	for k, v := range curMap {
		merged[k] = v
	}
	for k, v := range incMap {
		if existing, ok := merged[k]; ok {
			merged[k] = MergeValues(existing, v)
		} else {
			merged[k] = v
		}
	}
	return merged
}

// fanTimerFields are the keys preserved from existing state when a write
// would otherwise drop an active fan timer.
var fanTimerFields = []string{
	"fan_timer_timeout",
	"fan_control_state",
	"fan_timer_duration",
	"fan_current_speed",
	"fan_mode",
}

// applyFanTimerPreservation re-injects existing's fan-timer fields over
// merged, unless incoming is an explicit fan-off. existing and merged are
// expected to be map[string]any (or nil); non-map values pass through
// unchanged since there is nothing to preserve.
func applyFanTimerPreservation(existing, merged, incoming any, nowMS int64) any {
	existingMap, ok := existing.(map[string]any)
	if !ok {
		return merged
	}
	if !hasActiveFanTimer(existingMap, nowMS) {
		return merged
	}
	if isExplicitFanOff(incoming) {
		return merged
	}

	mergedMap, ok := merged.(map[string]any)
	if !ok {
		// merged replaced the whole value wholesale (incoming was a
		// scalar/sequence); there is no map to preserve fields onto.
		return merged
	}

	result := make(map[string]any, len(mergedMap))
	for k, v := range mergedMap {
		result[k] = v
	}
	for _, field := range fanTimerFields {
		if v, ok := existingMap[field]; ok {
			result[field] = v
		}
	}
	return result
}

// hasActiveFanTimer reports whether existing has a fan timer that has not
// yet expired: fan_timer_timeout is a nonzero number strictly greater than
// the current epoch second.
func hasActiveFanTimer(existing map[string]any, nowMS int64) bool {
	raw, ok := existing["fan_timer_timeout"]
	if !ok {
		return false
	}
	n, ok := asNumber(raw)
	if !ok || n == 0 {
		return false
	}
	return n > float64(nowMS/1000)
}

// isExplicitFanOff reports whether incoming sets fan_timer_timeout to the
// literal 0, or fan_control_state to the literal false.
func isExplicitFanOff(incoming any) bool {
	m, ok := incoming.(map[string]any)
	if !ok {
		return false
	}
	if raw, ok := m["fan_timer_timeout"]; ok {
		if n, ok := asNumber(raw); ok && n == 0 {
			return true
		}
	}
	if raw, ok := m["fan_control_state"]; ok {
		if b, ok := raw.(bool); ok && !b {
			return true
		}
	}
	return false
}

// asNumber normalizes the numeric types JSON decoding (float64) and
// direct construction (int, int64) can produce into a float64. Other
// types, including json.Number, are reported as not a number.
func asNumber(v any) (float64, bool) {
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
