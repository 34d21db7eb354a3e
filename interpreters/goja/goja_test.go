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
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bilym/rspamd/session"
	"github.com/bilym/rspamd/symcache"
)

// scan registers one symbol per source, compiles, and runs a scan.
func scan(t *testing.T, ctx context.Context, i *Interpreter, input map[string]interface{}, srcs ...string) *symcache.Runtime {
	c := symcache.NewCache(nil)
	for n, src := range srcs {
		cb, err := i.CompileCallback(ctx, src)
		if err != nil {
			t.Fatal(err)
		}
		name := string(rune('A' + n))
		if _, err = c.RegisterNormal(name, 0, cb, nil, symcache.Normal, symcache.FlagFine); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Compile(); err != nil {
		t.Fatal(err)
	}
	s, err := session.New(nil, func() (bool, error) { return false, nil })
	if err != nil {
		t.Fatal(err)
	}
	r, err := symcache.NewRuntime(c, s, symcache.WithInput(input))
	if err != nil {
		t.Fatal(err)
	}
	r.Run(ctx)
	return r
}

func TestCallbackInsert(t *testing.T) {
	code := `if (_.input.subject.indexOf("win") >= 0) { _.insert(2.5, "subject", _.symbol); }`

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	r := scan(t, ctx, NewInterpreter(), map[string]interface{}{"subject": "you win"}, code)
	ins := r.Insertions()
	if len(ins) != 1 {
		t.Fatalf("wanted one insertion, got %#v", ins)
	}
	if ins[0].Symbol != "A" || ins[0].Weight != 2.5 {
		t.Fatalf("didn't want %#v", ins[0])
	}
	if len(ins[0].Options) != 2 || ins[0].Options[1] != "A" {
		t.Fatalf("bad options %#v", ins[0].Options)
	}
	if !r.Done() {
		t.Fatal("scan not done")
	}
}

func TestCallbackResult(t *testing.T) {
	ctx := context.Background()
	i := NewInterpreter()

	for src, want := range map[string]symcache.Result{
		`return false;`:  symcache.ResultSkip,
		`return "skip";`: symcache.ResultSkip,
		`return 42;`:     symcache.ResultOK,
		``:               symcache.ResultOK,
	} {
		cb, err := i.CompileCallback(ctx, src)
		if err != nil {
			t.Fatal(err)
		}
		c := symcache.NewCache(nil)
		var got symcache.Result
		c.RegisterNormal("A", 0, symcache.CallbackFunc(func(ctx context.Context, x *symcache.Exec) (symcache.Result, error) {
			var err error
			got, err = cb.Invoke(ctx, x)
			return got, err
		}), nil, symcache.Normal, 0)
		if err := c.Compile(); err != nil {
			t.Fatal(err)
		}
		s, _ := session.New(nil, func() (bool, error) { return false, nil })
		r, err := symcache.NewRuntime(c, s)
		if err != nil {
			t.Fatal(err)
		}
		r.Run(ctx)
		if got != want {
			t.Fatalf("%q: got %s, wanted %s", src, got, want)
		}
	}
}

func TestCondition(t *testing.T) {
	ctx := context.Background()
	i := NewInterpreter()

	for src, want := range map[string]bool{
		`return _.input.size > 10;`: true,
		`return _.input.size > 99;`: false,
		``:                          false,
	} {
		cond, err := i.CompileCondition(ctx, src)
		if err != nil {
			t.Fatal(err)
		}
		c := symcache.NewCache(nil)
		c.RegisterNormal("A", 0, symcache.CallbackFunc(func(ctx context.Context, x *symcache.Exec) (symcache.Result, error) {
			x.Insert(1)
			return symcache.ResultOK, nil
		}), nil, symcache.Normal, 0)
		if err = c.AddCondition("A", cond); err != nil {
			t.Fatal(err)
		}
		if err = c.Compile(); err != nil {
			t.Fatal(err)
		}
		s, _ := session.New(nil, func() (bool, error) { return false, nil })
		r, err := symcache.NewRuntime(c, s, symcache.WithInput(map[string]interface{}{"size": 50}))
		if err != nil {
			t.Fatal(err)
		}
		r.Run(ctx)
		if got := len(r.Insertions()) == 1; got != want {
			t.Fatalf("%q: ran %v, wanted %v", src, got, want)
		}
		cond.Release()
		if _, err := cond.Check(ctx, nil); err == nil {
			t.Fatal("released condition should protest")
		}
	}
}

func TestCallbackTimeout(t *testing.T) {
	code := `for (;;) { sleep(10); }`

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	i := NewInterpreter()
	i.Testing = true
	r := scan(t, ctx, i, nil, code)

	fs := r.Failures()
	if len(fs) != 1 {
		t.Fatalf("wanted one failure, got %v", fs)
	}
	if !errors.Is(fs[0], Interrupted) {
		t.Fatalf("surprised by \"%s\"", fs[0])
	}
	if !r.Done() {
		t.Fatal("a failed callback should still finish")
	}
}

func TestCallbackError(t *testing.T) {
	code := `likes + tacos;`

	r := scan(t, context.Background(), NewInterpreter(), nil, code, `_.insert(1);`)
	if len(r.Failures()) != 1 {
		t.Fatalf("didn't protest: %v", r.Failures())
	}
	var cf *symcache.CallbackFailure
	if !errors.As(r.Failures()[0], &cf) || cf.Name != "A" {
		t.Fatalf("bad failure %#v", r.Failures()[0])
	}
	if len(r.Insertions()) != 1 || r.Insertions()[0].Symbol != "B" {
		t.Fatalf("scan didn't proceed: %#v", r.Insertions())
	}
}

func TestHelpers(t *testing.T) {
	code := `
var d = _.etld1(_.input.from);
var bad = _.etld1("com");
var next = _.cronNext("* 0 * * *");
_.insert(d === "example.co.uk" ? 1 : -1, d, String(bad), _.esc("a b"), next.length > 0 ? "cron" : "nocron");
_.log({d: d});
`
	r := scan(t, context.Background(), NewInterpreter(),
		map[string]interface{}{"from": "mail.Example.co.uk."}, code)
	if len(r.Failures()) != 0 {
		t.Fatal(r.Failures())
	}
	ins := r.Insertions()
	if len(ins) != 1 || ins[0].Weight != 1 {
		t.Fatalf("didn't want %#v", ins)
	}
	want := []string{"example.co.uk", "null", "a+b", "cron"}
	for n, o := range want {
		if ins[0].Options[n] != o {
			t.Fatalf("option %d: %q != %q", n, ins[0].Options[n], o)
		}
	}
}

func TestCronNextBad(t *testing.T) {
	r := scan(t, context.Background(), NewInterpreter(), nil, `_.cronNext("bad bad");`)
	if len(r.Failures()) != 1 {
		t.Fatal("didn't protest")
	}
}

func TestHold(t *testing.T) {
	code := `
var release = _.hold("lookup");
_.insert(1);
release();
release();
`
	r := scan(t, context.Background(), NewInterpreter(), nil, code)
	if len(r.Failures()) != 0 {
		t.Fatal(r.Failures())
	}
	if !r.Done() || r.Session().State() != session.Finalized {
		t.Fatalf("scan state %s", r.Session().State())
	}
}

func TestAfterWithoutLoop(t *testing.T) {
	r := scan(t, context.Background(), NewInterpreter(), nil, `_.after(10, "t", function() {});`)
	if len(r.Failures()) != 1 {
		t.Fatal("after without a loop should fail")
	}
}

func TestLibraries(t *testing.T) {
	ctx := context.Background()
	i := NewInterpreter()
	i.LibraryProvider = MakeMapLibraryProvider(map[string]string{
		"weights": `var spammy = 4;`,
	})
	src := map[interface{}]interface{}{
		"requires": []interface{}{"weights"},
		"code":     `_.insert(spammy);`,
	}
	cb, err := i.CompileCallback(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	cb.Release()

	if _, err = i.CompileCallback(ctx, map[string]interface{}{"code": "1", "requires": "nope"}); err == nil {
		t.Fatal("missing library should protest")
	}
	if _, err = i.CompileCallback(ctx, 42); err == nil {
		t.Fatal("bad source should protest")
	}
	if _, err = i.CompileCallback(ctx, `if (`); err == nil {
		t.Fatal("syntax error should protest")
	}
}

func TestHTTPLibraryProvider(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/lib.js":
			w.Write([]byte(`var weight = 3;`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	ctx := context.Background()
	i := NewInterpreter()
	p := MakeFileLibraryProvider(".")
	src, err := p(ctx, i, ts.URL+"/lib.js")
	if err != nil {
		t.Fatal(err)
	}
	if src != `var weight = 3;` {
		t.Fatalf("didn't want %q", src)
	}
	if _, err = p(ctx, i, ts.URL+"/none.js"); err == nil {
		t.Fatal("404 should protest")
	}
	if _, err = p(ctx, i, "gopher://x"); err == nil {
		t.Fatal("unknown protocol should protest")
	}
	if _, err = p(ctx, i, "nolink"); err == nil {
		t.Fatal("bad link should protest")
	}
}
