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
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/bilym/rspamd/symcache"

	md "github.com/russross/blackfriday/v2"
)

// RenderHTML writes an HTML table of a compiled cache in execution
// order.  Docs, which may be nil, maps symbol names to markdown.
func RenderHTML(c *symcache.Cache, docs map[string]string, out io.Writer) error {
	if !c.Compiled() {
		return symcache.ErrNotCompiled
	}
	f := func(format string, args ...interface{}) {
		fmt.Fprintf(out, format+"\n", args...)
	}
	name := func(id int) string {
		n := html.EscapeString(c.Item(id).Name())
		return fmt.Sprintf(`<a href="#%s"><code>%s</code></a>`, n, n)
	}

	f(`<div class="symbols"><table>`)
	f(`<tr><th>#</th><th>symbol</th><th>stage</th><th>priority</th><th>flags</th><th>depends on</th><th></th></tr>`)
	for _, it := range ordered(c) {
		class := "symbol"
		if it.IsVirtual() {
			class += " virtual"
		}
		if !it.Enabled() {
			class += " disabled"
		}
		n := html.EscapeString(it.Name())
		f(`<tr class="%s"><td>%d</td><td><span id="%s" class="symbolName">%s</span></td>`, class, it.Order(), n, n)
		f(`<td>%s</td><td>%d</td><td>%s</td>`, c.EffectiveStage(it), it.Priority(), html.EscapeString(it.Flags().String()))

		var deps []string
		for _, d := range it.Deps() {
			deps = append(deps, name(d.Item))
		}
		if p, ok := it.Parent(); ok {
			deps = append(deps, "parent "+name(p))
		}
		f(`<td>%s</td><td>`, strings.Join(deps, ", "))
		if doc := docs[it.Name()]; doc != "" {
			f(`<div class="symbolDoc doc">%s</div>`, md.Run([]byte(doc)))
		}
		f(`</td></tr>`)
	}
	f(`</table></div>`)
	return nil
}

// RenderPage writes a complete page around RenderHTML.  The doc is
// markdown placed above the table.
func RenderPage(c *symcache.Cache, title, doc string, docs map[string]string, out io.Writer, cssFiles []string) error {
	if cssFiles == nil {
		cssFiles = []string{"/static/symcache.css"}
	}

	fmt.Fprintf(out, `<!DOCTYPE html>
<html>
  <head>
  <meta charset="utf-8">
  <title>%s</title>
`, html.EscapeString(title))
	for _, cssFile := range cssFiles {
		fmt.Fprintf(out, "  <link href=\"%s\" rel=\"stylesheet\">\n", html.EscapeString(cssFile))
	}
	fmt.Fprintf(out, `  </head>
  <body>
    <h1>%s</h1>
`, html.EscapeString(title))

	if doc != "" {
		fmt.Fprintf(out, "<div class=\"cacheDoc doc\">%s</div>\n", md.Run([]byte(doc)))
	}
	if a, err := Analyze(c); err == nil {
		fmt.Fprintf(out, "<p class=\"summary\">%d symbols, %d virtual, %d dependencies, depth %d</p>\n",
			a.Symbols, a.Virtuals, a.Edges, a.Depth)
	}
	if err := RenderHTML(c, docs, out); err != nil {
		return err
	}

	fmt.Fprintf(out, `
  </body>
</html>
`)
	return nil
}
