package protocol

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// RequestIDKey is the well-known key carrying client correlation ids.
const RequestIDKey = "rqid"

var (
	// ErrMalformedEnvelope is returned when a raw message cannot be decoded.
	ErrMalformedEnvelope = errors.New("protocol: malformed envelope")
	// ErrMissingCommand is returned when a raw message has no command token.
	ErrMissingCommand = errors.New("protocol: missing command")
)

// Pair is one key/value entry of an envelope payload.
type Pair struct {
	Key   string
	Value string
}

// Envelope is a single protocol message: a command plus an ordered multimap
// of string pairs. Repeated keys (or indexed keys of the form key[n]) form
// an ordered collection.
type Envelope struct {
	Command string
	pairs   []Pair
}

// New returns an empty envelope for the given command.
func New(command string) *Envelope {
	return &Envelope{Command: strings.ToLower(command)}
}

// Parse decodes the wire form "command?k=v&k=v".
func Parse(raw string) (*Envelope, error) {
	raw = strings.TrimRight(raw, "\x00\r\n")
	cmdPart, query, _ := strings.Cut(raw, "?")
	cmd, err := url.QueryUnescape(cmdPart)
	if err != nil {
		return nil, fmt.Errorf("%w: command: %v", ErrMalformedEnvelope, err)
	}
	cmd = strings.ToLower(strings.TrimSpace(cmd))
	if cmd == "" {
		return nil, ErrMissingCommand
	}

	env := &Envelope{Command: cmd}
	for _, seg := range strings.Split(query, "&") {
		if seg == "" {
			continue
		}
		k, v, _ := strings.Cut(seg, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrMalformedEnvelope, k, err)
		}
		if key == "" {
			continue
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("%w: value for %q: %v", ErrMalformedEnvelope, key, err)
		}
		env.pairs = append(env.pairs, Pair{Key: key, Value: val})
	}
	return env, nil
}

// String encodes the envelope in wire form. Pairs with empty values are
// omitted.
func (e *Envelope) String() string {
	var b strings.Builder
	b.WriteString(url.QueryEscape(strings.ToLower(e.Command)))
	first := true
	for _, p := range e.pairs {
		if p.Value == "" {
			continue
		}
		if first {
			b.WriteByte('?')
			first = false
		} else {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

// Bytes is String as a byte slice, ready for a single channel write.
func (e *Envelope) Bytes() []byte { return []byte(e.String()) }

// Pairs returns a copy of the ordered payload.
func (e *Envelope) Pairs() []Pair {
	out := make([]Pair, len(e.pairs))
	copy(out, e.pairs)
	return out
}

// Set replaces any existing value for key. Empty values are dropped.
func (e *Envelope) Set(key, value string) *Envelope {
	e.del(key)
	if value != "" {
		e.pairs = append(e.pairs, Pair{Key: key, Value: value})
	}
	return e
}

// SetBool stores a boolean as "true" or "false".
func (e *Envelope) SetBool(key string, v bool) *Envelope {
	return e.Set(key, strconv.FormatBool(v))
}

// SetInt stores an integer value.
func (e *Envelope) SetInt(key string, v int) *Envelope {
	return e.Set(key, strconv.Itoa(v))
}

// SetCollection stores values as key[0], key[1], ... skipping empty entries.
func (e *Envelope) SetCollection(key string, values []string) *Envelope {
	e.del(key)
	i := 0
	for _, v := range values {
		if v == "" {
			continue
		}
		e.pairs = append(e.pairs, Pair{Key: fmt.Sprintf("%s[%d]", key, i), Value: v})
		i++
	}
	return e
}

func (e *Envelope) del(key string) {
	rx := collectionPattern(key)
	kept := e.pairs[:0]
	for _, p := range e.pairs {
		if p.Key == key || rx.MatchString(p.Key) {
			continue
		}
		kept = append(kept, p)
	}
	e.pairs = kept
}

// Lookup returns the first value for key.
func (e *Envelope) Lookup(key string) (string, bool) {
	for _, p := range e.pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Get returns the first value for key or the empty string.
func (e *Envelope) Get(key string) string {
	v, _ := e.Lookup(key)
	return v
}

// Bool returns the tri-state boolean value of key: nil when absent or not a
// recognizable boolean.
func (e *Envelope) Bool(key string) *bool {
	v, ok := e.Lookup(key)
	if !ok {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true":
		b := true
		return &b
	case "false":
		b := false
		return &b
	}
	return nil
}

// Int returns the integer value of key, or nil when absent or malformed.
func (e *Envelope) Int(key string) *int {
	v, ok := e.Lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return nil
	}
	return &n
}

// Collection returns, in order, every value stored under key or key[n].
func (e *Envelope) Collection(key string) []string {
	rx := collectionPattern(key)
	var out []string
	for _, p := range e.pairs {
		if p.Key == key || rx.MatchString(p.Key) {
			out = append(out, p.Value)
		}
	}
	return out
}

// RequestID returns the correlation id, if any.
func (e *Envelope) RequestID() string { return e.Get(RequestIDKey) }

// WithRequestID stamps the correlation id.
func (e *Envelope) WithRequestID(rqid string) *Envelope { return e.Set(RequestIDKey, rqid) }

func collectionPattern(key string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(key) + `\[\d*\]$`)
}
