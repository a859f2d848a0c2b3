package source

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Args holds the key/value pairs of a connection argument string such as
// "cyberradio,host=192.168.0.10,type=ndr551". A bare token is stored as a
// key with an empty value.
type Args struct {
	keys   []string
	values map[string]string
}

func ParseArgs(s string) Args {
	a := Args{values: make(map[string]string)}
	for _, tok := range splitArgs(s) {
		key, val := tok, ""
		if idx := strings.IndexByte(tok, '='); idx >= 0 {
			key, val = tok[:idx], tok[idx+1:]
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		a.set(key, unquote(strings.TrimSpace(val)))
	}
	return a
}

// splitArgs splits on commas and whitespace outside of quotes.
func splitArgs(s string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	flush := func() {
		if tok := strings.TrimSpace(cur.String()); tok != "" {
			out = append(out, tok)
		}
		cur.Reset()
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == ',' || r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

// unquote strips matching outer quotes. Inside them a doubled quote
// character stands for one.
func unquote(v string) string {
	if len(v) >= 2 {
		if q := v[0]; (q == '\'' || q == '"') && v[len(v)-1] == q {
			quote := string(q)
			return strings.ReplaceAll(v[1:len(v)-1], quote+quote, quote)
		}
	}
	return v
}

func (a *Args) set(key, val string) {
	if a.values == nil {
		a.values = make(map[string]string)
	}
	if _, ok := a.values[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.values[key] = val
}

// With returns a copy of a with key set to val.
func (a Args) With(key, val string) Args {
	ret := Args{values: make(map[string]string, len(a.values)+1)}
	for _, k := range a.keys {
		ret.set(k, a.values[k])
	}
	ret.set(key, val)
	return ret
}

// Without returns a copy of a with key removed.
func (a Args) Without(key string) Args {
	ret := Args{values: make(map[string]string, len(a.values))}
	for _, k := range a.keys {
		if k != key {
			ret.set(k, a.values[k])
		}
	}
	return ret
}

func (a Args) Has(key string) bool {
	_, ok := a.values[key]
	return ok
}

func (a Args) Get(key, def string) string {
	if v, ok := a.values[key]; ok && v != "" {
		return v
	}
	return def
}

func (a Args) Keys() []string {
	return append([]string(nil), a.keys...)
}

func (a Args) Len() int {
	return len(a.keys)
}

func (a Args) Int(key string, def int) (int, error) {
	v, ok := a.values[key]
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidArgument, key, v)
	}
	return i, nil
}

func (a Args) Float(key string, def float64) (float64, error) {
	v, ok := a.values[key]
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidArgument, key, v)
	}
	return f, nil
}

func (a Args) Bool(key string, def bool) (bool, error) {
	v, ok := a.values[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidArgument, key, v)
	}
	return b, nil
}

func (a Args) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := a.values[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidArgument, key, v)
	}
	return d, nil
}

// String renders the canonical form: bare keys first in their original
// order, then key=value pairs sorted by key.
func (a Args) String() string {
	var bare, pairs []string
	for _, k := range a.keys {
		v := a.values[k]
		if v == "" {
			bare = append(bare, k)
			continue
		}
		pairs = append(pairs, k+"="+quoteIfNeeded(v))
	}
	sort.Strings(pairs)
	return strings.Join(append(bare, pairs...), ",")
}

func quoteIfNeeded(v string) string {
	if !strings.ContainsAny(v, ",= \t\n'\"") {
		return v
	}
	quote := "'"
	if strings.Contains(v, "'") && !strings.Contains(v, `"`) {
		quote = `"`
	}
	return quote + strings.ReplaceAll(v, quote, quote+quote) + quote
}
