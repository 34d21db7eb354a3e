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

package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/bilym/rspamd/util"
	"github.com/bilym/rspamd/worker"

	"gopkg.in/yaml.v2"
)

// Scanner runs scans.  A *worker.Worker is one.
type Scanner interface {
	Scan(ctx context.Context, input map[string]interface{}, settingsID uint32) (*worker.Result, error)
}

// Expected is a symbol a scan must insert.
type Expected struct {
	Symbol string `json:"symbol" yaml:"symbol"`

	// Weight, if given, must match exactly.
	Weight *float64 `json:"weight,omitempty" yaml:"weight,omitempty"`

	// Options must all be present (in any order).
	Options []string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Case is one message and what scanning it must produce.
type Case struct {
	// Doc is an opaque documentation string.
	Doc string `json:"doc,omitempty" yaml:"doc,omitempty"`

	Settings uint32                 `json:"settings,omitempty" yaml:"settings,omitempty"`
	Input    map[string]interface{} `json:"input" yaml:"input"`

	Want []Expected `json:"want,omitempty" yaml:"want,omitempty"`

	// Absent symbols must not be inserted.
	Absent []string `json:"absent,omitempty" yaml:"absent,omitempty"`

	// TimedOut is whether the scan should time out.
	TimedOut bool `json:"timed_out,omitempty" yaml:"timed_out,omitempty"`
}

// Suite is a list of cases.
type Suite struct {
	Doc   string `json:"doc,omitempty" yaml:"doc,omitempty"`
	Cases []Case `json:"cases" yaml:"cases"`
}

// LoadSuite reads a YAML suite.
func LoadSuite(filename string) (*Suite, error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var s Suite
	if err = yaml.UnmarshalStrict(bs, &s); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	for i := range s.Cases {
		s.Cases[i].Input = util.NormalizeMap(s.Cases[i].Input)
	}
	return &s, nil
}

// Check compares a result with the case's expectations.
func (c *Case) Check(res *worker.Result) error {
	var errs []error
	got := make(map[string]int, len(res.Insertions))
	for i, ins := range res.Insertions {
		got[ins.Symbol] = i
	}
	for _, e := range c.Want {
		i, have := got[e.Symbol]
		if !have {
			errs = append(errs, fmt.Errorf("missing %s", e.Symbol))
			continue
		}
		ins := res.Insertions[i]
		if e.Weight != nil && *e.Weight != ins.Weight {
			errs = append(errs, fmt.Errorf("%s weight %v, wanted %v", e.Symbol, ins.Weight, *e.Weight))
		}
		for _, o := range e.Options {
			if !slices.Contains(ins.Options, o) {
				errs = append(errs, fmt.Errorf("%s lacks option %q", e.Symbol, o))
			}
		}
	}
	for _, name := range c.Absent {
		if _, have := got[name]; have {
			errs = append(errs, fmt.Errorf("unwanted %s", name))
		}
	}
	if c.TimedOut != res.TimedOut {
		errs = append(errs, fmt.Errorf("timed out %v, wanted %v", res.TimedOut, c.TimedOut))
	}
	return errors.Join(errs...)
}

// Run scans every case and reports the cases that failed.
func (s *Suite) Run(ctx context.Context, scanner Scanner) error {
	var errs []error
	for i := range s.Cases {
		c := &s.Cases[i]
		name := fmt.Sprintf("case %d", i)
		if c.Doc != "" {
			name += " (" + strings.TrimSpace(c.Doc) + ")"
		}
		res, err := scanner.Scan(ctx, c.Input, c.Settings)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if err = c.Check(res); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
