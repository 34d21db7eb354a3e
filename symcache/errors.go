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

// Configuration errors are returned by registration and Compile.  A
// worker must not serve scans with a cache that returned one of them.

import (
	"errors"
	"fmt"
)

var (
	// ErrCompiled occurs when the cache is modified after Compile.
	ErrCompiled = errors.New("symbol cache already compiled")

	// ErrNotCompiled occurs when an execution order is requested
	// before a successful Compile.
	ErrNotCompiled = errors.New("symbol cache not compiled")

	// ErrUnknownSymbol occurs when a name or id given to the
	// cache isn't registered.
	ErrUnknownSymbol = errors.New("unknown symbol")

	// ErrVirtualCondition occurs when a condition is added to a
	// virtual item.
	ErrVirtualCondition = errors.New("conditions can't be added to virtual symbols")

	// ErrInterpreterNotFound occurs when a Source names an
	// interpreter that isn't in the given map.
	ErrInterpreterNotFound = errors.New("interpreter not found")
)

// DuplicateSymbol occurs when a name is registered twice.
type DuplicateSymbol struct {
	Name string
}

func (e *DuplicateSymbol) Error() string {
	return `symbol "` + e.Name + `" already registered`
}

// UnknownDependency occurs when either end of a dependency doesn't
// name a registered symbol.
type UnknownDependency struct {
	Child  string
	Parent string
}

func (e *UnknownDependency) Error() string {
	return `symbol "` + e.Child + `" has unresolved dependency on "` + e.Parent + `"`
}

// DanglingParent occurs when a virtual symbol's parent id doesn't
// lead to a normal symbol.
type DanglingParent struct {
	Name     string
	ParentID int
}

func (e *DanglingParent) Error() string {
	return fmt.Sprintf(`virtual symbol "%s" has unresolved parent %d`, e.Name, e.ParentID)
}

// StageMismatch occurs when a virtual symbol declares a stage that
// its real parent's stage doesn't share.  Virtual symbols are ordered
// with their parent.
type StageMismatch struct {
	Name        string
	Stage       Stage
	Parent      string
	ParentStage Stage
}

func (e *StageMismatch) Error() string {
	return fmt.Sprintf(`virtual symbol "%s" has stage %s but its parent "%s" has stage %s`,
		e.Name, e.Stage, e.Parent, e.ParentStage)
}

// CyclicDependency occurs when dependencies can't be ordered, either
// because they form a loop or because a symbol depends on a symbol of
// a later stage.
type CyclicDependency struct {
	Name   string
	Detail string
}

func (e *CyclicDependency) Error() string {
	return `cyclic dependency at symbol "` + e.Name + `": ` + e.Detail
}

// CallbackFailure reports a callback or condition that returned an
// error or panicked during a scan.  It is logged and never stops a
// scan.
type CallbackFailure struct {
	Name string
	Err  error
}

func (e *CallbackFailure) Error() string {
	return `symbol "` + e.Name + `" callback failed: ` + e.Err.Error()
}

func (e *CallbackFailure) Unwrap() error {
	return e.Err
}
