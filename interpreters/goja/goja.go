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

package goja

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bilym/rspamd/symcache"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"golang.org/x/net/publicsuffix"
)

var (
	// InterruptedMessage is the string value of Interrupted.
	InterruptedMessage = "RuntimeError: timeout"

	// Interrupted is returned when a callback is interrupted by
	// its context.
	Interrupted = errors.New(InterruptedMessage)
)

// Interpreter compiles symbol callbacks and conditions written in
// ECMAScript using Goja, a Go implementation of ECMAScript 5.1+.
//
// See https://github.com/dop251/goja.
type Interpreter struct {

	// Testing is used to expose or hide some runtime
	// capabilities.
	Testing bool

	// LibraryProvider resolves the names listed in a source's
	// "requires".  DefaultLibraryProvider is used when nil.
	LibraryProvider func(ctx context.Context, i *Interpreter, libraryName string) (string, error)
}

// NewInterpreter makes a new Interpreter.
func NewInterpreter() *Interpreter {
	return &Interpreter{}
}

// ProvideLibrary resolves the library name into a library.
func (i *Interpreter) ProvideLibrary(ctx context.Context, name string) (string, error) {
	if i.LibraryProvider != nil {
		return i.LibraryProvider(ctx, i, name)
	}
	return DefaultLibraryProvider(ctx, i, name)
}

var DefaultLibraryProvider = MakeFileLibraryProvider(".")

// MakeFileLibraryProvider makes a provider for names that are URLs
// with protocols of "file", "http", and "https".  File names are
// relative to dir.  There currently is no additional control when
// using HTTP/HTTPS.
func MakeFileLibraryProvider(dir string) func(context.Context, *Interpreter, string) (string, error) {
	return func(ctx context.Context, i *Interpreter, name string) (string, error) {
		parts := strings.SplitN(name, "://", 2)
		if 2 != len(parts) {
			return "", fmt.Errorf("bad link '%s'", name)
		}
		switch parts[0] {
		case "file":
			filename := filepath.Join(dir, filepath.Clean("/"+parts[1]))
			bs, err := os.ReadFile(filename)
			if err != nil {
				return "", err
			}
			return string(bs), nil
		case "http", "https":
			req, err := http.NewRequestWithContext(ctx, "GET", name, nil)
			if err != nil {
				return "", err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return "", err
			}
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				bs, err := io.ReadAll(resp.Body)
				if err != nil {
					return "", err
				}
				return string(bs), nil
			default:
				return "", fmt.Errorf("library fetch status %s %d",
					resp.Status, resp.StatusCode)
			}
		default:
			return "", fmt.Errorf("unknown protocol '%s'", parts[0])
		}
	}
}

func MakeMapLibraryProvider(srcs map[string]string) func(context.Context, *Interpreter, string) (string, error) {
	return func(ctx context.Context, i *Interpreter, name string) (string, error) {
		src, have := srcs[name]
		if !have {
			return "", fmt.Errorf("undefined library '%s'", name)
		}
		return src, nil
	}
}

func wrapSrc(src string) string {
	return fmt.Sprintf("(function() {\n%s\n}());\n", src)
}

// parseSource looks into the given map to try to find "requires" and
// "code" properties.
func parseSource(vv map[string]interface{}) (code string, libs []string, err error) {
	x := vv["code"]
	s, is := x.(string)
	if !is {
		err = errors.New("bad Goja code")
		return
	}
	code = s

	switch vv := vv["requires"].(type) {
	case nil:
	case string:
		libs = []string{vv}
	case []string:
		libs = vv
	case []interface{}:
		libs = make([]string, 0, len(vv))
		for _, x := range vv {
			switch vv := x.(type) {
			case string:
				libs = append(libs, vv)
			default:
				err = errors.New("bad library")
				return
			}
		}
	default:
		err = fmt.Errorf("bad requires (%T)", vv)
	}

	return
}

// AsSource accepts either a string of code or a map with "code" and
// optional "requires".  YAML decoding gives
// map[interface{}]interface{}, which is handled too.
func AsSource(src interface{}) (code string, libs []string, err error) {
	switch vv := src.(type) {
	case string:
		code = vv
		return
	case map[interface{}]interface{}:
		m := make(map[string]interface{})
		for k, v := range vv {
			str, ok := k.(string)
			if !ok {
				err = fmt.Errorf("bad src key (%T)", k)
				return
			}
			m[str] = v
		}
		return parseSource(m)
	case map[string]interface{}:
		return parseSource(vv)
	default:
		err = fmt.Errorf("bad Goja source (%T)", src)
		return
	}
}

// Compile prepends the required libraries to the code, which is
// wrapped in a function so that it can "return", and compiles the
// result.
//
// This method can block if the interpreter's library provider blocks
// in order to obtain external libraries.
func (i *Interpreter) Compile(ctx context.Context, src interface{}) (*goja.Program, error) {
	code, libs, err := AsSource(src)
	if err != nil {
		return nil, err
	}

	code = wrapSrc(code)

	var libsSrc string
	for _, lib := range libs {
		libSrc, err := i.ProvideLibrary(ctx, lib)
		if err != nil {
			return nil, err
		}
		libsSrc += libSrc + "\n"
	}

	code = libsSrc + code

	obj, err := goja.Compile("", code, true)
	if err != nil {
		return nil, errors.New(err.Error() + ": " + code)
	}

	return obj, nil
}

// CompileCallback implements symcache.Interpreter.
//
// The callback's return value decides its Result: false or "skip"
// give symcache.ResultSkip, anything else symcache.ResultOK.
func (i *Interpreter) CompileCallback(ctx context.Context, src interface{}) (symcache.Callback, error) {
	p, err := i.Compile(ctx, src)
	if err != nil {
		return nil, err
	}
	return &callback{i: i, p: p}, nil
}

// CompileCondition implements symcache.Interpreter.  The item runs
// when the code returns a truthy value.
func (i *Interpreter) CompileCondition(ctx context.Context, src interface{}) (symcache.Condition, error) {
	p, err := i.Compile(ctx, src)
	if err != nil {
		return nil, err
	}
	return &condition{i: i, p: p}, nil
}

type callback struct {
	i *Interpreter
	p *goja.Program
}

func (c *callback) Invoke(ctx context.Context, x *symcache.Exec) (symcache.Result, error) {
	if c.p == nil {
		return symcache.ResultSkip, errors.New("released Goja callback")
	}
	v, err := c.i.Exec(ctx, x, c.p)
	if err != nil {
		return symcache.ResultOK, err
	}
	if v == nil {
		return symcache.ResultOK, nil
	}
	switch vv := v.Export().(type) {
	case bool:
		if !vv {
			return symcache.ResultSkip, nil
		}
	case string:
		if vv == "skip" {
			return symcache.ResultSkip, nil
		}
	}
	return symcache.ResultOK, nil
}

func (c *callback) Release() {
	c.p = nil
}

type condition struct {
	i *Interpreter
	p *goja.Program
}

func (c *condition) Check(ctx context.Context, x *symcache.Exec) (bool, error) {
	if c.p == nil {
		return false, errors.New("released Goja condition")
	}
	v, err := c.i.Exec(ctx, x, c.p)
	if err != nil {
		return false, err
	}
	return v != nil && v.ToBoolean(), nil
}

func (c *condition) Release() {
	c.p = nil
}

func protest(o *goja.Runtime, x interface{}) {
	panic(o.ToValue(x))
}

// interruptible runs f, interrupting the runtime if ctx is done
// first.  The interrupt goroutine is gone when interruptible returns,
// so the runtime can be used again later.
func interruptible(ctx context.Context, o *goja.Runtime, f func() (goja.Value, error)) (goja.Value, error) {
	ictx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ictx.Done()
		o.Interrupt(InterruptedMessage)
	}()

	v, err := f()
	cancel()
	<-stopped
	o.ClearInterrupt()

	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			return nil, Interrupted
		}
		return nil, err
	}
	return v, nil
}

// Exec runs a compiled program for the item of x.
//
// The following properties are available from the runtime at _.
//
//	input: the message being scanned.
//	symbol: the name of the running symbol.
//	settings_id: the scan's settings profile.
//	exec_only: whether inserted results are suppressed.
//	insert(weight, opts...): insert a result for the symbol.
//	insertSymbol(name, weight, opts...): insert a result for another
//	  symbol, usually a virtual one.
//	hold(tag): keep the symbol running; returns the release function.
//	after(ms, tag, f): call f later and keep the symbol running until
//	  then.
//
// Some useful utilities:
//
//	gensym(): generate a random string.
//	esc(s): URL query-escape the given string.
//	etld1(domain): the registrable domain (eTLD+1) of domain.
//	cronNext(expr): the next time matching the cron expression.
//	log(x): log the given value.
//
// For testing only:
//
//	sleep(ms): sleep for the given number of milliseconds.
//
// The Testing flag must be set to see sleep().
func (i *Interpreter) Exec(ctx context.Context, x *symcache.Exec, p *goja.Program) (goja.Value, error) {
	o := goja.New()

	env := map[string]interface{}{
		"input":       x.Input(),
		"symbol":      x.Item().Name(),
		"settings_id": x.Runtime().SettingsID(),
		"exec_only":   x.ExecOnly(),
	}

	o.Set("_", env)

	if i.Testing {
		o.Set("sleep", func(ms int) {
			time.Sleep(time.Duration(ms) * time.Millisecond)
		})
	}

	options := func(args []goja.Value) []string {
		opts := make([]string, 0, len(args))
		for _, a := range args {
			opts = append(opts, a.String())
		}
		return opts
	}

	env["insert"] = func(call goja.FunctionCall) goja.Value {
		ok := x.Insert(call.Argument(0).ToFloat(), options(call.Arguments[min(1, len(call.Arguments)):])...)
		return o.ToValue(ok)
	}

	env["insertSymbol"] = func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			protest(o, "insertSymbol needs a name and a weight")
		}
		ok := x.InsertSymbol(call.Argument(0).String(), call.Argument(1).ToFloat(), options(call.Arguments[2:])...)
		return o.ToValue(ok)
	}

	env["hold"] = func(call goja.FunctionCall) goja.Value {
		release, err := x.Hold(call.Argument(0).String())
		if err != nil {
			protest(o, err.Error())
		}
		return o.ToValue(func(goja.FunctionCall) goja.Value {
			release()
			return goja.Undefined()
		})
	}

	env["after"] = func(call goja.FunctionCall) goja.Value {
		ms := call.Argument(0).ToInteger()
		tag := call.Argument(1).String()
		f, is := goja.AssertFunction(call.Argument(2))
		if !is {
			protest(o, "after needs a function")
		}
		err := x.After(time.Duration(ms)*time.Millisecond, tag, func(x *symcache.Exec) error {
			_, err := interruptible(x.Context(), o, func() (goja.Value, error) {
				return f(goja.Undefined())
			})
			return err
		})
		if err != nil {
			protest(o, err.Error())
		}
		return goja.Undefined()
	}

	env["gensym"] = func() interface{} {
		return uuid.NewString()
	}

	env["cronNext"] = func(x interface{}) interface{} {
		switch vv := x.(type) {
		case goja.Value:
			x = vv.Export()
		}
		cronExpr, is := x.(string)
		if !is {
			protest(o, "not a string")
		}

		c, err := cronexpr.Parse(cronExpr)
		if err != nil {
			protest(o, err.Error())
		}
		return c.Next(time.Now()).UTC().Format(time.RFC3339Nano)
	}

	env["esc"] = func(x interface{}) interface{} {
		switch vv := x.(type) {
		case goja.Value:
			x = vv.Export()
		}
		s, is := x.(string)
		if !is {
			protest(o, "not a string")
		}
		return url.QueryEscape(s)
	}

	env["etld1"] = func(x interface{}) interface{} {
		switch vv := x.(type) {
		case goja.Value:
			x = vv.Export()
		}
		s, is := x.(string)
		if !is {
			protest(o, "not a string")
		}
		d, err := publicsuffix.EffectiveTLDPlusOne(strings.TrimSuffix(strings.ToLower(s), "."))
		if err != nil {
			return nil
		}
		return d
	}

	env["log"] = func(v interface{}) interface{} {
		switch vv := v.(type) {
		case goja.Value:
			v = vv.Export()
		}
		js, err := json.Marshal(&v)
		if err != nil {
			slog.WarnContext(ctx, "goja.log can't marshal", "symbol", x.Item().Name(), "error", err)
		} else {
			slog.InfoContext(ctx, "goja.log", "symbol", x.Item().Name(), "value", string(js))
		}
		return v
	}

	return interruptible(ctx, o, func() (goja.Value, error) {
		return o.RunProgram(p)
	})
}
