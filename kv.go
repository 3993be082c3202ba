package openid

import (
	"sort"
	"strings"
)

// ParseKeyValue decodes a direct-response body of newline separated key:value lines.
// Lines without a colon are ignored; the value is everything after the first colon.
func ParseKeyValue(body []byte) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSuffix(line, "\r")
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

// EncodeKeyValue is the inverse of ParseKeyValue. Keys are written in sorted order.
func EncodeKeyValue(pairs map[string]string) []byte {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(pairs[k])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
