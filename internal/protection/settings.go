package protection

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var ErrUnknownSetting = errors.New("unknown setting")

// InvalidSettingError rejects a value that does not parse or is out of range.
type InvalidSettingError struct {
	Protection string
	Setting    string
	Value      any
	Err        error
}

func (e *InvalidSettingError) Error() string {
	return fmt.Sprintf("invalid value %v for %s.%s: %v", e.Value, e.Protection, e.Setting, e.Err)
}

func (e *InvalidSettingError) Unwrap() error { return e.Err }

// Setting is one typed, validated protection parameter. Values are read
// on the event path and written from configuration or commands, so
// every implementation is safe for concurrent use.
type Setting interface {
	Name() string
	Set(v any) error
	String() string
}

// Settings is the ordered set of parameters of one protection.
type Settings struct {
	order  []string
	byName map[string]Setting
}

func NewSettings(settings ...Setting) *Settings {
	s := &Settings{byName: make(map[string]Setting, len(settings))}
	for _, st := range settings {
		s.order = append(s.order, st.Name())
		s.byName[st.Name()] = st
	}
	return s
}

func (s *Settings) Get(name string) (Setting, bool) {
	if s == nil {
		return nil, false
	}
	st, ok := s.byName[name]
	return st, ok
}

func (s *Settings) Names() []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.order)
}

// Snapshot renders every setting as text.
func (s *Settings) Snapshot() map[string]string {
	out := make(map[string]string, len(s.Names()))
	for _, name := range s.Names() {
		out[name] = s.byName[name].String()
	}
	return out
}

// Set assigns one setting. The returned error is ErrUnknownSetting or an
// *InvalidSettingError with the protection name left empty.
func (s *Settings) Set(name string, v any) error {
	st, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, name)
	}
	if err := st.Set(v); err != nil {
		return &InvalidSettingError{Setting: name, Value: v, Err: err}
	}
	return nil
}

type IntSetting struct {
	name     string
	min, max int
	v        atomic.Int64
}

func NewIntSetting(name string, def, minValue, maxValue int) *IntSetting {
	s := &IntSetting{name: name, min: minValue, max: maxValue}
	s.v.Store(int64(def))
	return s
}

func (s *IntSetting) Name() string   { return s.name }
func (s *IntSetting) Get() int       { return int(s.v.Load()) }
func (s *IntSetting) String() string { return strconv.Itoa(s.Get()) }

func (s *IntSetting) Set(v any) error {
	n, err := toInt(v)
	if err != nil {
		return err
	}
	if n < s.min || n > s.max {
		return fmt.Errorf("must be in [%d..%d]", s.min, s.max)
	}
	s.v.Store(int64(n))
	return nil
}

type BoolSetting struct {
	name string
	v    atomic.Bool
}

func NewBoolSetting(name string, def bool) *BoolSetting {
	s := &BoolSetting{name: name}
	s.v.Store(def)
	return s
}

func (s *BoolSetting) Name() string   { return s.name }
func (s *BoolSetting) Get() bool      { return s.v.Load() }
func (s *BoolSetting) String() string { return strconv.FormatBool(s.Get()) }

func (s *BoolSetting) Set(v any) error {
	switch b := v.(type) {
	case bool:
		s.v.Store(b)
		return nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return errors.New("must be true or false")
		}
		s.v.Store(parsed)
		return nil
	}
	return fmt.Errorf("must be a boolean, got %T", v)
}

// DurationSetting accepts Go duration strings. Bare numbers count in the
// setting's unit, seconds unless InUnitsOf says otherwise.
type DurationSetting struct {
	name     string
	min, max time.Duration
	unit     time.Duration
	v        atomic.Int64
}

func NewDurationSetting(name string, def, minValue, maxValue time.Duration) *DurationSetting {
	s := &DurationSetting{name: name, min: minValue, max: maxValue, unit: time.Second}
	s.v.Store(int64(def))
	return s
}

func (s *DurationSetting) InUnitsOf(unit time.Duration) *DurationSetting {
	s.unit = unit
	return s
}

func (s *DurationSetting) Name() string       { return s.name }
func (s *DurationSetting) Get() time.Duration { return time.Duration(s.v.Load()) }
func (s *DurationSetting) String() string     { return s.Get().String() }

func (s *DurationSetting) Set(v any) error {
	var d time.Duration
	switch x := v.(type) {
	case time.Duration:
		d = x
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(x))
		if err != nil {
			n, numErr := strconv.Atoi(strings.TrimSpace(x))
			if numErr != nil {
				return errors.New("must be a duration such as '90s' or '20m'")
			}
			parsed = time.Duration(n) * s.unit
		}
		d = parsed
	default:
		n, err := toInt(v)
		if err != nil {
			return err
		}
		d = time.Duration(n) * s.unit
	}
	if d < s.min || d > s.max {
		return fmt.Errorf("must be in [%s..%s]", s.min, s.max)
	}
	s.v.Store(int64(d))
	return nil
}

// ChoiceSetting holds one of a fixed set of strings.
type ChoiceSetting struct {
	name    string
	choices []string
	v       atomic.Pointer[string]
}

func NewChoiceSetting(name, def string, choices ...string) *ChoiceSetting {
	s := &ChoiceSetting{name: name, choices: choices}
	s.v.Store(&def)
	return s
}

func (s *ChoiceSetting) Name() string   { return s.name }
func (s *ChoiceSetting) Get() string    { return *s.v.Load() }
func (s *ChoiceSetting) String() string { return s.Get() }

func (s *ChoiceSetting) Set(v any) error {
	str, ok := v.(string)
	if !ok {
		return fmt.Errorf("must be a string, got %T", v)
	}
	str = strings.ToLower(strings.TrimSpace(str))
	if !slices.Contains(s.choices, str) {
		return fmt.Errorf("must be one of %s", strings.Join(s.choices, ", "))
	}
	s.v.Store(&str)
	return nil
}

// ListSetting holds a list of strings. Each item is parsed by compile
// and the parsed form is kept next to the raw values.
type ListSetting[T any] struct {
	name    string
	compile func(string) (T, error)

	mu     sync.RWMutex
	raw    []string
	parsed []T
}

func NewListSetting[T any](name string, compile func(string) (T, error), def ...string) *ListSetting[T] {
	s := &ListSetting[T]{name: name, compile: compile}
	if err := s.Set(def); err != nil {
		panic(fmt.Sprintf("invalid default for %s: %v", name, err))
	}
	return s
}

// NewStringList is a ListSetting whose items only need to be non-empty.
func NewStringList(name string, def ...string) *ListSetting[string] {
	return NewListSetting(name, func(s string) (string, error) {
		if s == "" {
			return "", errors.New("empty item")
		}
		return s, nil
	}, def...)
}

func (s *ListSetting[T]) Name() string { return s.name }

func (s *ListSetting[T]) Raw() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.raw)
}

func (s *ListSetting[T]) Get() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parsed
}

func (s *ListSetting[T]) String() string { return strings.Join(s.Raw(), ", ") }

func (s *ListSetting[T]) Set(v any) error {
	items, err := toStrings(v)
	if err != nil {
		return err
	}
	parsed := make([]T, 0, len(items))
	for i, item := range items {
		p, err := s.compile(item)
		if err != nil {
			return fmt.Errorf("item %d (%q): %w", i, item, err)
		}
		parsed = append(parsed, p)
	}
	s.mu.Lock()
	s.raw = items
	s.parsed = parsed
	s.mu.Unlock()
	return nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case int32:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, errors.New("must be a whole number")
		}
		return int(n), nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, errors.New("must be a whole number")
		}
		return parsed, nil
	}
	return 0, fmt.Errorf("must be a number, got %T", v)
}

// toStrings accepts a slice or a comma-separated string.
func toStrings(v any) ([]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []string:
		out := make([]string, 0, len(x))
		for _, s := range x {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(x))
		for i, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("item %d must be a string, got %T", i, item)
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	case string:
		return toStrings(strings.Split(x, ","))
	}
	return nil, fmt.Errorf("must be a list of strings, got %T", v)
}
