// Package options turns the loose option bag a caller hands to a capture
// session into the typed, normalized form the supervisor builds its command
// line from.
//
// Two vocabularies are accepted. The native one uses the names in the Key*
// constants plus any flag understood by the capture program. The raspistill
// vocabulary (w, h, t, tl, o, ...) is accepted when the bag carries the
// "emulateraspicam" marker and is rewritten once by Translate.
package options

import (
	"sort"
	"strconv"
	"strings"
)

// Option names with typed meaning.
const (
	KeyMode      = "mode"
	KeyOutput    = "output"
	KeyWidth     = "width"
	KeyHeight    = "height"
	KeyTimeout   = "timeout"
	KeyTimelapse = "timelapse"
	KeyEncoding  = "encoding"
)

// Params is the raw option bag. Numbers are decimal strings and the values
// "true" and "false" mark boolean flags.
type Params map[string]string

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns the keys of p in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// ParseAssignments builds Params from "key=value" strings. A bare "key"
// becomes a true flag.
func ParseAssignments(pairs []string) Params {
	p := make(Params, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found {
			value = "true"
		}
		p[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return p
}

// isBool reports whether v is one of the boolean flag markers.
func isBool(v string) bool {
	return v == "true" || v == "false"
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
