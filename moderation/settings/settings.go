package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/v2"
)

type Kind string

const (
	KindString   = Kind("string")
	KindInt      = Kind("int")
	KindBool     = Kind("bool")
	KindFloat    = Kind("float")
	KindDuration = Kind("duration")
)

// Definition declares a known key, its type and compiled-in default.
type Definition struct {
	Key     string
	Kind    Kind
	Default string
	Help    string
}

func (d Definition) validate(value string) error {
	var err error
	switch d.Kind {
	case KindInt:
		_, err = strconv.ParseInt(value, 10, 64)
	case KindBool:
		_, err = strconv.ParseBool(value)
	case KindFloat:
		_, err = strconv.ParseFloat(value, 64)
	case KindDuration:
		_, err = time.ParseDuration(value)
	}
	if err != nil {
		return fmt.Errorf("%w: %s=%q (%s)", ErrInvalidValue, d.Key, value, d.Kind)
	}
	return nil
}

// Where a resolved value came from
type Source string

const (
	SourceDefault  = Source("default")
	SourceEnv      = Source("env")
	SourceDatabase = Source("database")
)

type Value struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Kind    Kind   `json:"kind"`
	Source  Source `json:"source"`
	Version int64  `json:"version"`
	Help    string `json:"help,omitempty"`
}

// Settings resolves runtime-tunable values: a stored value wins over a process-level (env) override, which wins over the compiled-in default.
type Settings struct {
	store  Store
	logger *slog.Logger

	defs map[string]Definition

	lk        sync.RWMutex
	overrides map[string]string
}

func New(store Store, defs []Definition) *Settings {
	s := &Settings{
		store:     store,
		logger:    slog.Default().With("system", "settings"),
		defs:      make(map[string]Definition, len(defs)),
		overrides: make(map[string]string),
	}
	for _, d := range defs {
		s.defs[d.Key] = d
	}
	return s
}

// LoadEnvOverrides reads process-level overrides from environment variables with the given prefix. A double underscore maps to a dot: FEDMOD_SETTING_FANOUT__BATCH_SIZE sets "fanout.batch_size".
func (s *Settings) LoadEnvOverrides(prefix string) error {
	k := koanf.New(".")
	err := k.Load(env.Provider(".", env.Opt{
		Prefix: prefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, prefix))
			key = strings.ReplaceAll(key, "__", ".")
			return key, value
		},
	}), nil)
	if err != nil {
		return err
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	for key, def := range s.defs {
		if !k.Exists(key) {
			continue
		}
		val := k.String(key)
		if err := def.validate(val); err != nil {
			return err
		}
		s.overrides[key] = val
		s.logger.Info("setting overridden from environment", "key", key, "value", val)
	}
	return nil
}

// Override sets a process-level override directly (eg, from a CLI flag)
func (s *Settings) Override(key, value string) error {
	def, ok := s.defs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err := def.validate(value); err != nil {
		return err
	}
	s.lk.Lock()
	s.overrides[key] = value
	s.lk.Unlock()
	return nil
}

func (s *Settings) Resolve(ctx context.Context, key string) (*Value, error) {
	def, ok := s.defs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	v := &Value{Key: key, Kind: def.Kind, Value: def.Default, Source: SourceDefault, Help: def.Help}

	s.lk.RLock()
	if o, ok := s.overrides[key]; ok {
		v.Value = o
		v.Source = SourceEnv
	}
	s.lk.RUnlock()

	if s.store != nil {
		row, err := s.store.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if row != nil {
			v.Value = row.Value
			v.Source = SourceDatabase
			v.Version = row.Version
		}
	}
	return v, nil
}

// Get returns the resolved value; on storage errors the override or default is used, and the error is logged.
func (s *Settings) Get(ctx context.Context, key string) string {
	v, err := s.Resolve(ctx, key)
	if err != nil {
		if errors.Is(err, ErrUnknownKey) {
			s.logger.Error("reading undeclared setting", "key", key)
			return ""
		}
		s.logger.Warn("failed to read stored setting, using fallback", "key", key, "err", err)
		return s.fallback(key)
	}
	return v.Value
}

func (s *Settings) fallback(key string) string {
	s.lk.RLock()
	defer s.lk.RUnlock()
	if o, ok := s.overrides[key]; ok {
		return o
	}
	return s.defs[key].Default
}

func (s *Settings) Int(ctx context.Context, key string) int {
	n, err := strconv.Atoi(s.Get(ctx, key))
	if err != nil {
		n, _ = strconv.Atoi(s.defs[key].Default)
	}
	return n
}

func (s *Settings) Bool(ctx context.Context, key string) bool {
	b, err := strconv.ParseBool(s.Get(ctx, key))
	if err != nil {
		b, _ = strconv.ParseBool(s.defs[key].Default)
	}
	return b
}

func (s *Settings) Float(ctx context.Context, key string) float64 {
	f, err := strconv.ParseFloat(s.Get(ctx, key), 64)
	if err != nil {
		f, _ = strconv.ParseFloat(s.defs[key].Default, 64)
	}
	return f
}

func (s *Settings) Duration(ctx context.Context, key string) time.Duration {
	d, err := time.ParseDuration(s.Get(ctx, key))
	if err != nil {
		d, _ = time.ParseDuration(s.defs[key].Default)
	}
	return d
}

// Set validates and stores a value, with optimistic concurrency on the stored version.
func (s *Settings) Set(ctx context.Context, key, value string, expectVersion int64) (*Value, error) {
	def, ok := s.defs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err := def.validate(value); err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, fmt.Errorf("no settings store configured")
	}
	row, err := s.store.Put(ctx, key, value, expectVersion)
	if err != nil {
		return nil, err
	}
	return &Value{Key: key, Value: row.Value, Kind: def.Kind, Source: SourceDatabase, Version: row.Version, Help: def.Help}, nil
}

// All resolves every declared key, sorted by key.
func (s *Settings) All(ctx context.Context) ([]Value, error) {
	keys := make([]string, 0, len(s.defs))
	for k := range s.defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Value, 0, len(keys))
	for _, k := range keys {
		v, err := s.Resolve(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}
