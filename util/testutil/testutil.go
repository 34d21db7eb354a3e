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

// Package testutil has helpers for tests that build and scan small
// caches.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/bilym/rspamd/session"
	"github.com/bilym/rspamd/symcache"
)

// JS renders its argument as JSON or as a string indicating an error.
func JS(x interface{}) string {
	bs, err := json.Marshal(&x)
	if err != nil {
		return fmt.Sprintf("%#v", x)
	}
	return string(bs)
}

// Dwimjs, when given a string or bytes, parses that data as JSON.
// When given anything else, just returns what's given.
//
// See https://en.wikipedia.org/wiki/DWIM.
func Dwimjs(x interface{}) interface{} {
	switch vv := x.(type) {
	case []byte:
		return Dwimjs(string(vv))
	case string:
		var v interface{}
		if err := json.Unmarshal([]byte(vv), &v); err != nil {
			panic(err)
		}
		return v
	default:
		return x
	}
}

// Input parses a JSON object to scan.
func Input(js string) map[string]interface{} {
	m, is := Dwimjs(js).(map[string]interface{})
	if !is {
		panic(fmt.Sprintf("not a JSON object: %s", js))
	}
	return m
}

// Inserter returns a callback that inserts the running symbol with
// the given weight.
func Inserter(weight float64, options ...string) symcache.CallbackFunc {
	return func(ctx context.Context, x *symcache.Exec) (symcache.Result, error) {
		x.Insert(weight, options...)
		return symcache.ResultOK, nil
	}
}

// Scan runs a synchronous scan of a compiled cache and returns the
// runtime once it's done with.
func Scan(t testing.TB, c *symcache.Cache, input map[string]interface{}, opts ...symcache.RuntimeOption) *symcache.Runtime {
	t.Helper()
	s, err := session.New(session.NewPool("test"), func() (bool, error) { return false, nil })
	if err != nil {
		t.Fatal(err)
	}
	r, err := symcache.NewRuntime(c, s, append([]symcache.RuntimeOption{symcache.WithInput(input)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	r.Run(context.Background())
	return r
}
