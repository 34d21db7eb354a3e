/* Copyright 2019 Comcast Cable Communications Management, LLC
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config loads the YAML configuration of a worker: its own
// settings and the symbols it schedules.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bilym/rspamd/symcache"

	"github.com/gorhill/cronexpr"
	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration written as "8s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	x, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(x)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	// Doc is markdown describing the configuration.
	Doc string `yaml:"doc,omitempty"`

	Worker  WorkerConfig   `yaml:"worker"`
	Symbols []SymbolConfig `yaml:"symbols"`
}

// Docs maps symbol names to their documentation.
func (c *Config) Docs() map[string]string {
	docs := make(map[string]string, len(c.Symbols))
	for _, s := range c.Symbols {
		if s.Doc != "" {
			docs[s.Name] = s.Doc
		}
	}
	return docs
}

type WorkerConfig struct {
	// ScanTimeout bounds a scan.  A scan still waiting on
	// asynchronous work at the deadline is torn down.
	ScanTimeout Duration `yaml:"scan_timeout"`

	Stats StatsConfig `yaml:"stats"`
	MQTT  MQTTConfig  `yaml:"mqtt"`
	HTTP  HTTPConfig  `yaml:"http"`
}

type StatsConfig struct {
	// Path of the bbolt file persisting statistics.  Empty means
	// statistics are kept in memory only.
	Path string `yaml:"path,omitempty"`

	// Schedule is the cron expression of statistics refreshes.
	Schedule string `yaml:"schedule"`

	Decay          float64 `yaml:"decay"`
	PeakSigma      float64 `yaml:"peak_sigma"`
	PeakMinSamples uint64  `yaml:"peak_min_samples"`
}

// PeakParams converts the peak settings.
func (s StatsConfig) PeakParams() symcache.PeakParams {
	return symcache.PeakParams{
		Decay:      s.Decay,
		Sigma:      s.PeakSigma,
		MinSamples: s.PeakMinSamples,
	}
}

type MQTTConfig struct {
	// Broker is the URL of the broker frequency peaks are
	// published to.  Empty disables publishing.
	Broker   string `yaml:"broker,omitempty"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// SymbolConfig is one symbol.  A symbol with a parent is virtual.
type SymbolConfig struct {
	Name       string            `yaml:"name"`
	Doc        string            `yaml:"doc,omitempty"`
	Type       string            `yaml:"type,omitempty"`
	Priority   int               `yaml:"priority,omitempty"`
	Flags      []string          `yaml:"flags,omitempty"`
	Enabled    *bool             `yaml:"enabled,omitempty"`
	Callback   *symcache.Source  `yaml:"callback,omitempty"`
	Conditions []symcache.Source `yaml:"conditions,omitempty"`
	Parent     string            `yaml:"parent,omitempty"`
	Depends    []string          `yaml:"depends,omitempty"`

	AllowedIDs   []uint32 `yaml:"allowed_ids,omitempty"`
	ExecOnlyIDs  []uint32 `yaml:"exec_only_ids,omitempty"`
	ForbiddenIDs []uint32 `yaml:"forbidden_ids,omitempty"`

	UData interface{} `yaml:"udata,omitempty"`
}

var (
	DefaultScanTimeout = 8 * time.Second
	DefaultSchedule    = "*/1 * * * *"
	DefaultTopic       = "symcache/peaks"
	DefaultClientID    = "symcache"
	DefaultHTTPAddr    = "localhost:11334"
)

// Defaults fills in unset fields.
func (c *Config) Defaults() {
	w := &c.Worker
	if w.ScanTimeout == 0 {
		w.ScanTimeout = Duration(DefaultScanTimeout)
	}
	if w.Stats.Schedule == "" {
		w.Stats.Schedule = DefaultSchedule
	}
	p := symcache.DefaultPeakParams
	if w.Stats.Decay == 0 {
		w.Stats.Decay = p.Decay
	}
	if w.Stats.PeakSigma == 0 {
		w.Stats.PeakSigma = p.Sigma
	}
	if w.Stats.PeakMinSamples == 0 {
		w.Stats.PeakMinSamples = p.MinSamples
	}
	if w.MQTT.Topic == "" {
		w.MQTT.Topic = DefaultTopic
	}
	if w.MQTT.ClientID == "" {
		w.MQTT.ClientID = DefaultClientID
	}
	if w.HTTP.Addr == "" {
		w.HTTP.Addr = DefaultHTTPAddr
	}
}

// Validate checks the worker settings.  Symbols are checked by Build.
func (c *Config) Validate() error {
	var errs []error
	w := c.Worker
	if w.ScanTimeout < 0 {
		errs = append(errs, errors.New("negative scan_timeout"))
	}
	if _, err := cronexpr.Parse(w.Stats.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("stats schedule %q: %w", w.Stats.Schedule, err))
	}
	if w.Stats.Decay <= 0 || 1 < w.Stats.Decay {
		errs = append(errs, fmt.Errorf("stats decay %v not in (0,1]", w.Stats.Decay))
	}
	if w.Stats.PeakSigma <= 0 {
		errs = append(errs, fmt.Errorf("stats peak_sigma %v not positive", w.Stats.PeakSigma))
	}
	return errors.Join(errs...)
}

// Parse decodes, defaults and validates a configuration.
func Parse(bs []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(bs, &c); err != nil {
		return nil, err
	}
	c.Defaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads a configuration from r.
func Load(r io.Reader) (*Config, error) {
	bs, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(bs)
}

// LoadFile reads a configuration file.  Files named by
// '%inline("NAME")' are inlined first.
func LoadFile(filename string) (*Config, error) {
	bs, err := ReadFileWithInlines(filename)
	if err != nil {
		return nil, err
	}
	c, err := Parse(bs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return c, nil
}

// Build registers every symbol with a new cache and compiles it.
// Callbacks and conditions are compiled with the given interpreters.
// Any error is a configuration error: the cache must not be used, and
// every callback and condition compiled so far is released.
func Build(ctx context.Context, c *Config, interpreters symcache.InterpretersMap) (_ *symcache.Cache, err error) {
	cache := symcache.NewCache(nil)
	defer func() {
		if err != nil {
			cache.Release()
		}
	}()

	var virtuals []*SymbolConfig
	for n := range c.Symbols {
		s := &c.Symbols[n]
		if s.Parent != "" || s.Type == "virtual" {
			virtuals = append(virtuals, s)
			continue
		}
		if err := registerNormal(ctx, cache, s, interpreters); err != nil {
			return nil, fmt.Errorf("symbol %q: %w", s.Name, err)
		}
	}

	// A virtual symbol may name another virtual symbol, so
	// register in passes until no parent can be found.
	for 0 < len(virtuals) {
		var next []*SymbolConfig
		for _, s := range virtuals {
			if cache.ItemByName(s.Parent) == nil && parentPending(s.Parent, virtuals) {
				next = append(next, s)
				continue
			}
			if err := registerVirtual(cache, s); err != nil {
				return nil, fmt.Errorf("symbol %q: %w", s.Name, err)
			}
		}
		if len(next) == len(virtuals) {
			// A loop of virtual symbols.  Compile reports them.
			for _, s := range next {
				if err := registerVirtual(cache, s); err != nil {
					return nil, fmt.Errorf("symbol %q: %w", s.Name, err)
				}
			}
			break
		}
		virtuals = next
	}

	for n := range c.Symbols {
		s := &c.Symbols[n]
		if err := configure(cache, s); err != nil {
			return nil, fmt.Errorf("symbol %q: %w", s.Name, err)
		}
	}

	if err := cache.Compile(); err != nil {
		return nil, err
	}
	return cache, nil
}

func parentPending(parent string, virtuals []*SymbolConfig) bool {
	for _, v := range virtuals {
		if v.Name == parent {
			return true
		}
	}
	return false
}

func stageAndFlags(s *SymbolConfig) (symcache.Stage, symcache.Flags, error) {
	stage, err := symcache.ParseStage(s.Type)
	if err != nil {
		return stage, 0, err
	}
	flags, err := symcache.ParseFlags(s.Flags)
	return stage, flags, err
}

func registerNormal(ctx context.Context, cache *symcache.Cache, s *SymbolConfig, interpreters symcache.InterpretersMap) error {
	stage, flags, err := stageAndFlags(s)
	if err != nil {
		return err
	}
	var cb symcache.Callback
	if s.Callback != nil {
		if cb, err = s.Callback.CompileCallback(ctx, interpreters); err != nil {
			return fmt.Errorf("callback: %w", err)
		}
	}
	if _, err = cache.RegisterNormal(s.Name, s.Priority, cb, s.UData, stage, flags); err != nil {
		if cb != nil {
			cb.Release()
		}
		return err
	}
	for n := range s.Conditions {
		cond, err := s.Conditions[n].CompileCondition(ctx, interpreters)
		if err != nil {
			return fmt.Errorf("condition %d: %w", n, err)
		}
		if err = cache.AddCondition(s.Name, cond); err != nil {
			cond.Release()
			return err
		}
	}
	return nil
}

func registerVirtual(cache *symcache.Cache, s *SymbolConfig) error {
	stage := symcache.Virtual
	if s.Type != "" {
		var err error
		if stage, err = symcache.ParseStage(s.Type); err != nil {
			return err
		}
	}
	flags, err := symcache.ParseFlags(s.Flags)
	if err != nil {
		return err
	}
	if s.Callback != nil || 0 < len(s.Conditions) {
		return errors.New("virtual symbols can't have callbacks or conditions")
	}
	parent := -1
	if p := cache.ItemByName(s.Parent); p != nil {
		parent = p.ID()
	}
	_, err = cache.RegisterVirtual(s.Name, parent, stage, flags)
	return err
}

func configure(cache *symcache.Cache, s *SymbolConfig) error {
	for _, d := range s.Depends {
		if err := cache.AddDependency(s.Name, d); err != nil {
			return err
		}
	}
	if 0 < len(s.AllowedIDs) {
		if err := cache.SetAllowedIDs(s.Name, s.AllowedIDs...); err != nil {
			return err
		}
	}
	if 0 < len(s.ExecOnlyIDs) {
		if err := cache.SetExecOnlyIDs(s.Name, s.ExecOnlyIDs...); err != nil {
			return err
		}
	}
	if 0 < len(s.ForbiddenIDs) {
		if err := cache.SetForbiddenIDs(s.Name, s.ForbiddenIDs...); err != nil {
			return err
		}
	}
	if s.Enabled != nil && !*s.Enabled {
		return cache.Disable(s.Name)
	}
	return nil
}
