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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bilym/rspamd/tools"
	"github.com/bilym/rspamd/worker"

	"github.com/stretchr/testify/require"
)

const conf = `
doc: Sample *symbols*.
worker:
  scan_timeout: 1s
symbols:
  - name: SUBJECT
    doc: Subject mentions winning.
    priority: 5
    callback:
      interpreter: goja
      source: |
        if (/win/i.test(_.input.subject || "")) { _.insert(2, "win"); }
  - name: SUBJECT_VIRTUAL
    parent: SUBJECT
  - name: LATE
    type: postfilter
    depends: [SUBJECT]
    forbidden_ids: [9]
    callback:
      source: _.insert(1);
`

const suite = `
cases:
  - doc: winner
    input:
      subject: You win
    want:
      - symbol: SUBJECT
        weight: 2
        options: [win]
      - symbol: LATE
  - settings: 9
    input:
      subject: hello
    absent: [SUBJECT, LATE]
`

func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	filename := filepath.Join(dir, "symcache.yaml")
	require.NoError(t, os.WriteFile(filename, []byte(conf), 0644))
	return filename
}

func run(t *testing.T, ctx context.Context, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errs bytes.Buffer
	cmd := newApp(strings.NewReader(stdin), &out, &errs).root()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestCheck(t *testing.T) {
	filename := setup(t)
	out, err := run(t, context.Background(), "", "check", "--config", filename)
	require.NoError(t, err)

	var an tools.Analysis
	require.NoError(t, json.Unmarshal([]byte(out), &an))
	require.Equal(t, 3, an.Symbols)
	require.Equal(t, 1, an.Virtuals)
}

func TestBadConfig(t *testing.T) {
	dir := t.TempDir()
	filename := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(filename, []byte("symbols:\n  - name: A\n    depends: [NOPE]\n"), 0644))

	_, err := run(t, context.Background(), "", "check", "--config", filename)
	require.Error(t, err)

	_, err = run(t, context.Background(), "", "check", "--config", filepath.Join(dir, "none.yaml"))
	require.Error(t, err)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SYMCACHECONFIG", setup(t))
	out, err := run(t, context.Background(), "", "order")
	require.NoError(t, err)
	require.Contains(t, out, "SUBJECT")
}

func TestOrder(t *testing.T) {
	filename := setup(t)
	out, err := run(t, context.Background(), "", "order", "--config", filename)
	require.NoError(t, err)

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		names = append(names, strings.Fields(line)[0])
	}
	require.Equal(t, []string{"SUBJECT", "SUBJECT_VIRTUAL", "LATE"}, names)

	out, err = run(t, context.Background(), "", "order", "--config", filename, "--settings", "9")
	require.NoError(t, err)
	require.NotContains(t, out, "LATE")
}

func TestRender(t *testing.T) {
	filename := setup(t)
	ctx := context.Background()

	out, err := run(t, ctx, "", "dot", "--config", filename, "--highlight", "LATE")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "digraph"))
	require.Contains(t, out, "SUBJECT_VIRTUAL")

	out, err = run(t, ctx, "", "mermaid", "--config", filename)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "graph LR"))

	page := filepath.Join(t.TempDir(), "symbols.html")
	out, err = run(t, ctx, "", "html", "--config", filename, "-o", page)
	require.NoError(t, err)
	require.Empty(t, out)
	bs, err := os.ReadFile(page)
	require.NoError(t, err)
	require.Contains(t, string(bs), "<em>symbols</em>")
	require.Contains(t, string(bs), "Subject mentions winning.")
}

func TestScan(t *testing.T) {
	filename := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stdin := `{"subject":"win"}` + "\n\n" + `{"subject":"hi"}` + "\n"
	out, err := run(t, ctx, stdin, "scan", "--config", filename)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)

	var res worker.Result
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &res))
	require.Len(t, res.Insertions, 2)
	require.Equal(t, "SUBJECT", res.Insertions[0].Symbol)

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &res))
	require.Len(t, res.Insertions, 1)
	require.Equal(t, "LATE", res.Insertions[0].Symbol)

	_, err = run(t, ctx, "not json\n", "scan", "--config", filename)
	require.Error(t, err)
}

func TestScanFiles(t *testing.T) {
	filename := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs := filepath.Join(t.TempDir(), "msgs.json")
	require.NoError(t, os.WriteFile(msgs, []byte(`{"subject":"win"}`+"\n"), 0644))

	out, err := run(t, ctx, "", "scan", "--config", filename, "--settings", "9", msgs)
	require.NoError(t, err)
	var res worker.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, uint32(9), res.SettingsID)
	require.Len(t, res.Insertions, 1)

	_, err = run(t, ctx, "", "scan", "--config", filename, msgs+".missing")
	require.Error(t, err)
}

func TestExpect(t *testing.T) {
	filename := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(suite), 0644))
	out, err := run(t, ctx, "", "expect", "--config", filename, good)
	require.NoError(t, err)
	require.Equal(t, "2 cases ok\n", out)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
cases:
  - input:
      subject: hello
    want:
      - symbol: SUBJECT
`), 0644))
	_, err = run(t, ctx, "", "expect", "--config", filename, bad)
	require.ErrorContains(t, err, "missing SUBJECT")
}

func TestServe(t *testing.T) {
	filename := setup(t)
	db := filepath.Join(t.TempDir(), "stats.db")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	bs, err := os.ReadFile(filename)
	require.NoError(t, err)
	withDB := strings.Replace(string(bs), "  scan_timeout: 1s\n", "  scan_timeout: 1s\n  stats:\n    path: "+db+"\n", 1)
	require.NoError(t, os.WriteFile(filename, []byte(withDB), 0644))

	_, err = run(t, ctx, "", "serve", "--config", filename, "--addr", "127.0.0.1:0")
	require.NoError(t, err)

	_, err = os.Stat(db)
	require.NoError(t, err)
}

func TestVersion(t *testing.T) {
	out, err := run(t, context.Background(), "", "version", "--config", "/nonexistent")
	require.NoError(t, err)
	require.Contains(t, out, "symcache")
}
