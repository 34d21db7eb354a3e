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

// Package native provides an interpreter whose "code" is the name of
// a Go function registered with it.
//
// Checks that are better written in Go (or that need Go libraries)
// are registered once at startup and then referenced from
// configuration like any other callback:
//
//	callback:
//	  interpreter: native
//	  source: received_count
package native

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bilym/rspamd/symcache"
)

// Interpreter resolves sources to registered Go functions.
type Interpreter struct {
	mu         sync.RWMutex
	callbacks  map[string]symcache.CallbackFunc
	conditions map[string]symcache.ConditionFunc

	// Silent, if false, logs each compilation.
	Silent bool
}

func NewInterpreter() *Interpreter {
	return &Interpreter{
		callbacks:  make(map[string]symcache.CallbackFunc),
		conditions: make(map[string]symcache.ConditionFunc),
		Silent:     true,
	}
}

// Callback registers a callback under name.
func (i *Interpreter) Callback(name string, f symcache.CallbackFunc) *Interpreter {
	i.mu.Lock()
	i.callbacks[name] = f
	i.mu.Unlock()
	return i
}

// Condition registers a condition under name.
func (i *Interpreter) Condition(name string, f symcache.ConditionFunc) *Interpreter {
	i.mu.Lock()
	i.conditions[name] = f
	i.mu.Unlock()
	return i
}

func sourceName(src interface{}) (string, error) {
	switch vv := src.(type) {
	case string:
		return vv, nil
	case map[string]interface{}:
		if s, is := vv["name"].(string); is {
			return s, nil
		}
	case map[interface{}]interface{}:
		if s, is := vv["name"].(string); is {
			return s, nil
		}
	}
	return "", fmt.Errorf("bad native source (%T)", src)
}

// CompileCallback implements symcache.Interpreter.
func (i *Interpreter) CompileCallback(ctx context.Context, src interface{}) (symcache.Callback, error) {
	name, err := sourceName(src)
	if err != nil {
		return nil, err
	}
	i.mu.RLock()
	f, have := i.callbacks[name]
	i.mu.RUnlock()
	if !have {
		return nil, fmt.Errorf("no native callback %q", name)
	}
	if !i.Silent {
		slog.DebugContext(ctx, "native callback compiled", "name", name)
	}
	return f, nil
}

// CompileCondition implements symcache.Interpreter.
func (i *Interpreter) CompileCondition(ctx context.Context, src interface{}) (symcache.Condition, error) {
	name, err := sourceName(src)
	if err != nil {
		return nil, err
	}
	i.mu.RLock()
	f, have := i.conditions[name]
	i.mu.RUnlock()
	if !have {
		return nil, fmt.Errorf("no native condition %q", name)
	}
	if !i.Silent {
		slog.DebugContext(ctx, "native condition compiled", "name", name)
	}
	return f, nil
}
