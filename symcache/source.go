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

package symcache

import (
	"context"
)

// Result is what a callback reports about its own run.
type Result int

const (
	// ResultOK means the callback ran.  Results it inserted count.
	ResultOK Result = iota

	// ResultSkip means the callback decided the item doesn't
	// apply to this message.
	ResultSkip
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Callback is the handle of a check.  The cache never looks inside.
type Callback interface {
	// Invoke runs the check for one scan.  Asynchronous work is
	// registered through x.Hold or x.After before returning.
	Invoke(ctx context.Context, x *Exec) (Result, error)

	// Release drops whatever the handle keeps alive.
	Release()
}

// Condition decides whether a normal item runs for a scan.
type Condition interface {
	Check(ctx context.Context, x *Exec) (bool, error)
	Release()
}

// CallbackFunc adapts a Go function to Callback.
type CallbackFunc func(ctx context.Context, x *Exec) (Result, error)

func (f CallbackFunc) Invoke(ctx context.Context, x *Exec) (Result, error) {
	return f(ctx, x)
}

func (f CallbackFunc) Release() {}

// ConditionFunc adapts a Go function to Condition.
type ConditionFunc func(ctx context.Context, x *Exec) (bool, error)

func (f ConditionFunc) Check(ctx context.Context, x *Exec) (bool, error) {
	return f(ctx, x)
}

func (f ConditionFunc) Release() {}

// Interpreter compiles callback and condition sources.
type Interpreter interface {
	CompileCallback(ctx context.Context, src interface{}) (Callback, error)
	CompileCondition(ctx context.Context, src interface{}) (Condition, error)
}

// InterpretersMap maps interpreter names to Interpreters.
type InterpretersMap map[string]Interpreter

// Source is uncompiled callback or condition code.
type Source struct {
	Interpreter string      `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	Source      interface{} `json:"source" yaml:"source"`
}

func (s *Source) interpreter(interpreters InterpretersMap) (Interpreter, error) {
	i, have := interpreters[s.Interpreter]
	if !have {
		return nil, ErrInterpreterNotFound
	}
	return i, nil
}

// CompileCallback compiles the source with the named interpreter.
func (s *Source) CompileCallback(ctx context.Context, interpreters InterpretersMap) (Callback, error) {
	i, err := s.interpreter(interpreters)
	if err != nil {
		return nil, err
	}
	return i.CompileCallback(ctx, s.Source)
}

// CompileCondition compiles the source with the named interpreter.
func (s *Source) CompileCondition(ctx context.Context, interpreters InterpretersMap) (Condition, error) {
	i, err := s.interpreter(interpreters)
	if err != nil {
		return nil, err
	}
	return i.CompileCondition(ctx, s.Source)
}
