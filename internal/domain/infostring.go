package domain

import "strings"

// ParseInfoString parses backslash-separated key/value pairs.
// Format is \key\value\key\value; the leading backslash is optional.
// A trailing key with no value is dropped.
func ParseInfoString(info string) map[string]string {
	result := make(map[string]string)
	parts := strings.Split(info, "\\")

	// Skip empty first element if string starts with backslash
	start := 0
	if len(parts) > 0 && parts[0] == "" {
		start = 1
	}

	for i := start; i+1 < len(parts); i += 2 {
		result[parts[i]] = parts[i+1]
	}

	return result
}

// InfoString builds a \key\value string, emitting keys in the given order
func InfoString(vars map[string]string, keys []string) string {
	var b strings.Builder
	for _, k := range keys {
		v, ok := vars[k]
		if !ok {
			continue
		}
		b.WriteByte('\\')
		b.WriteString(k)
		b.WriteByte('\\')
		b.WriteString(v)
	}
	return b.String()
}
