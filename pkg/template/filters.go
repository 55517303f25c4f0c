package template

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Filter transforms a pipeline value. Args come from the template source,
// already parsed into strings and numbers.
type Filter func(value any, args []any) (any, error)

// builtinFilters returns the closed filter library. The set is documented
// in the language reference; new filters are registered at engine
// construction, never at render time.
func builtinFilters() map[string]Filter {
	return map[string]Filter{
		// Serialization
		"json": filterJSON,

		// Collections
		"dig":      filterDig,
		"pluck":    filterPluck,
		"where_eq": filterWhereEq,
		"sort_by":  filterSortBy,
		"group_by": filterGroupBy,
		"index_by": filterIndexBy,
		"first":    filterFirst,
		"last":     filterLast,

		// Hashing
		"sha256":      filterSHA256,
		"hmac_sha256": filterHMACSHA256,

		// Encoding
		"base64_encode": filterBase64Encode,
		"base64_decode": filterBase64Decode,

		// Strings
		"slugify":  filterSlugify,
		"downcase": filterDowncase,
		"upcase":   filterUpcase,
		"match":    filterMatch,
		"extract":  filterExtract,

		// Numbers
		"to_int": filterToInt,
		"abs":    filterAbs,
		"ceil":   filterCeil,
		"floor":  filterFloor,
		"clamp":  filterClamp,

		// Dates
		"format_date": filterFormatDate,
		"add_days":    filterAddDays,

		// Fallbacks
		"default": filterDefault,
	}
}

func filterJSON(value any, args []any) (any, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-serializable: %w", err)
	}
	return string(encoded), nil
}

func filterDig(value any, args []any) (any, error) {
	path, err := stringArg(args, 0, "path")
	if err != nil {
		return nil, err
	}
	current := value
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, nil
		}
		current = m[seg]
	}
	return current, nil
}

func filterPluck(value any, args []any) (any, error) {
	key, err := stringArg(args, 0, "key")
	if err != nil {
		return nil, err
	}
	items, ok := asList(value)
	if !ok {
		return nil, fmt.Errorf("pluck requires a list, got %T", value)
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m[key])
		} else {
			out = append(out, nil)
		}
	}
	return out, nil
}

func filterWhereEq(value any, args []any) (any, error) {
	key, err := stringArg(args, 0, "key")
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("where_eq requires key and value arguments")
	}
	want := Stringify(args[1])

	items, ok := asList(value)
	if !ok {
		return nil, fmt.Errorf("where_eq requires a list, got %T", value)
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok && Stringify(m[key]) == want {
			out = append(out, item)
		}
	}
	return out, nil
}

func filterSortBy(value any, args []any) (any, error) {
	key, err := stringArg(args, 0, "key")
	if err != nil {
		return nil, err
	}
	items, ok := asList(value)
	if !ok {
		return nil, fmt.Errorf("sort_by requires a list, got %T", value)
	}
	out := append([]any(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		return lessByKey(out[i], out[j], key)
	})
	return out, nil
}

func lessByKey(a, b any, key string) bool {
	av := keyOf(a, key)
	bv := keyOf(b, key)
	af, aok := toFloat(av)
	bf, bok := toFloat(bv)
	if aok && bok {
		return af < bf
	}
	return Stringify(av) < Stringify(bv)
}

func keyOf(v any, key string) any {
	if m, ok := v.(map[string]any); ok {
		return m[key]
	}
	return nil
}

func filterGroupBy(value any, args []any) (any, error) {
	key, err := stringArg(args, 0, "key")
	if err != nil {
		return nil, err
	}
	items, ok := asList(value)
	if !ok {
		return nil, fmt.Errorf("group_by requires a list, got %T", value)
	}
	out := make(map[string]any)
	for _, item := range items {
		k := Stringify(keyOf(item, key))
		bucket, _ := out[k].([]any)
		out[k] = append(bucket, item)
	}
	return out, nil
}

func filterIndexBy(value any, args []any) (any, error) {
	key, err := stringArg(args, 0, "key")
	if err != nil {
		return nil, err
	}
	items, ok := asList(value)
	if !ok {
		return nil, fmt.Errorf("index_by requires a list, got %T", value)
	}
	out := make(map[string]any, len(items))
	for _, item := range items {
		out[Stringify(keyOf(item, key))] = item
	}
	return out, nil
}

func filterFirst(value any, args []any) (any, error) {
	if s, ok := value.(string); ok {
		if s == "" {
			return nil, nil
		}
		r, _ := utf8.DecodeRuneInString(s)
		return string(r), nil
	}
	items, ok := asList(value)
	if !ok || len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

func filterLast(value any, args []any) (any, error) {
	if s, ok := value.(string); ok {
		if s == "" {
			return nil, nil
		}
		r, _ := utf8.DecodeLastRuneInString(s)
		return string(r), nil
	}
	items, ok := asList(value)
	if !ok || len(items) == 0 {
		return nil, nil
	}
	return items[len(items)-1], nil
}

func filterSHA256(value any, args []any) (any, error) {
	sum := sha256.Sum256([]byte(Stringify(value)))
	return hex.EncodeToString(sum[:]), nil
}

func filterHMACSHA256(value any, args []any) (any, error) {
	secret, err := stringArg(args, 0, "secret")
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(Stringify(value)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func filterBase64Encode(value any, args []any) (any, error) {
	return base64.StdEncoding.EncodeToString([]byte(Stringify(value))), nil
}

func filterBase64Decode(value any, args []any) (any, error) {
	decoded, err := base64.StdEncoding.DecodeString(Stringify(value))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 input: %w", err)
	}
	return string(decoded), nil
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

func filterSlugify(value any, args []any) (any, error) {
	s := strings.ToLower(Stringify(value))
	s = slugStrip.ReplaceAllString(s, "-")
	return strings.Trim(s, "-"), nil
}

func filterDowncase(value any, args []any) (any, error) {
	return strings.ToLower(Stringify(value)), nil
}

func filterUpcase(value any, args []any) (any, error) {
	return strings.ToUpper(Stringify(value)), nil
}

func filterMatch(value any, args []any) (any, error) {
	pattern, err := stringArg(args, 0, "pattern")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	return re.MatchString(Stringify(value)), nil
}

func filterExtract(value any, args []any) (any, error) {
	pattern, err := stringArg(args, 0, "pattern")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	groups := re.FindStringSubmatch(Stringify(value))
	switch {
	case groups == nil:
		return "", nil
	case len(groups) > 1:
		return groups[1], nil
	default:
		return groups[0], nil
	}
}

func filterToInt(value any, args []any) (any, error) {
	switch v := value.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to integer", v)
		}
		return int64(f), nil
	default:
		f, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("cannot convert %T to integer", value)
		}
		return int64(f), nil
	}
}

func filterAbs(value any, args []any) (any, error) {
	f, ok := toFloat(value)
	if !ok {
		return nil, fmt.Errorf("abs requires a number, got %T", value)
	}
	return math.Abs(f), nil
}

func filterCeil(value any, args []any) (any, error) {
	f, ok := toFloat(value)
	if !ok {
		return nil, fmt.Errorf("ceil requires a number, got %T", value)
	}
	return math.Ceil(f), nil
}

func filterFloor(value any, args []any) (any, error) {
	f, ok := toFloat(value)
	if !ok {
		return nil, fmt.Errorf("floor requires a number, got %T", value)
	}
	return math.Floor(f), nil
}

func filterClamp(value any, args []any) (any, error) {
	f, ok := toFloat(value)
	if !ok {
		return nil, fmt.Errorf("clamp requires a number, got %T", value)
	}
	lo, err := floatArg(args, 0, "lo")
	if err != nil {
		return nil, err
	}
	hi, err := floatArg(args, 1, "hi")
	if err != nil {
		return nil, err
	}
	return math.Min(math.Max(f, lo), hi), nil
}

func filterFormatDate(value any, args []any) (any, error) {
	layout, err := stringArg(args, 0, "layout")
	if err != nil {
		return nil, err
	}
	t, err := toTime(value)
	if err != nil {
		return nil, err
	}
	return t.Format(layout), nil
}

func filterAddDays(value any, args []any) (any, error) {
	days, err := floatArg(args, 0, "days")
	if err != nil {
		return nil, err
	}
	t, err := toTime(value)
	if err != nil {
		return nil, err
	}
	return t.AddDate(0, 0, int(days)), nil
}

func filterDefault(value any, args []any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("default requires an argument")
	}
	if value == nil || value == "" {
		return args[0], nil
	}
	return value, nil
}

// Argument and conversion helpers.

func stringArg(args []any, idx int, name string) (string, error) {
	if idx >= len(args) {
		return "", fmt.Errorf("missing %s argument", name)
	}
	s, ok := args[idx].(string)
	if !ok {
		return "", fmt.Errorf("%s argument must be a string, got %T", name, args[idx])
	}
	return s, nil
}

func floatArg(args []any, idx int, name string) (float64, error) {
	if idx >= len(args) {
		return 0, fmt.Errorf("missing %s argument", name)
	}
	f, ok := toFloat(args[idx])
	if !ok {
		return 0, fmt.Errorf("%s argument must be a number, got %T", name, args[idx])
	}
	return f, nil
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, val); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as a date", val)
	default:
		if f, ok := toFloat(v); ok {
			return time.Unix(int64(f), 0).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("cannot interpret %T as a date", v)
	}
}
