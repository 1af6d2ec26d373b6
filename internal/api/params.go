package api

import (
	"sort"
	"strconv"
	"strings"
)

// Params is the flat parameter mapping of a remote method call
type Params map[string]string

// Set stores a string value and returns p for chaining
func (p Params) Set(key, value string) Params {
	p[key] = value
	return p
}

// SetInt stores an integer value
func (p Params) SetInt(key string, value int64) Params {
	p[key] = strconv.FormatInt(value, 10)
	return p
}

// SetBool stores 1 or 0
func (p Params) SetBool(key string, value bool) Params {
	if value {
		p[key] = "1"
	} else {
		p[key] = "0"
	}
	return p
}

// SetInts stores a comma separated list
func (p Params) SetInts(key string, values ...int64) Params {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatInt(v, 10)
	}
	p[key] = strings.Join(parts, ",")
	return p
}

// CacheKey is method name plus parameters in sorted key order
func (p Params) CacheKey(method string) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(method)
	for _, k := range keys {
		b.WriteByte('&')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p[k])
	}
	return b.String()
}
