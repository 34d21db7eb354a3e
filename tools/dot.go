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

// dot -Tpng g.dot > g.png

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/bilym/rspamd/symcache"
)

// DotOpts controls Dot.
type DotOpts struct {
	// Highlight names symbols drawn in red, typically those that
	// matched in some scan.
	Highlight map[string]bool

	// SettingsID, if not zero, greys out symbols a scan under
	// that profile skips.
	SettingsID uint32
}

var stageColors = map[symcache.Stage]string{
	symcache.Connection: "#f4d35e",
	symcache.Pre:        "#99ddc8",
	symcache.Normal:     "#52aa5e",
	symcache.Classifier: "#c2a83e",
	symcache.Composite:  "#bcf2db",
	symcache.Virtual:    "#dddddd",
	symcache.Post:       "#2d93ad",
	symcache.Idempotent: "#8e7dbe",
}

// Dot writes a Graphviz dot file for a compiled cache.  Symbols are
// clustered by stage in execution order.  Solid edges are
// dependencies (from the dependency to the dependent), and dotted
// edges go from a virtual symbol to its parent.
func Dot(c *symcache.Cache, w io.Writer, opts *DotOpts) error {
	if !c.Compiled() {
		return symcache.ErrNotCompiled
	}
	if opts == nil {
		opts = &DotOpts{}
	}

	fmt.Fprintf(w, "digraph G {\n")
	fmt.Fprintf(w, `  graph [rankdir=LR,nodesep=0.3,ranksep=0.6]
  node [shape="box" style="rounded,filled"]
  edge [fontsize="10"]
`)

	for n, stage := range stagesInOrder(c) {
		fmt.Fprintf(w, "  subgraph cluster_%d {\n    label=\"%s\"\n", n, stage)
		for _, it := range ordered(c) {
			if c.EffectiveStage(it) != stage {
				continue
			}
			fmt.Fprintf(w, "    %s\n", dotNode(it, opts))
		}
		fmt.Fprintf(w, "  }\n")
	}

	for _, it := range ordered(c) {
		for _, d := range it.Deps() {
			label := ""
			if 0 <= d.VirtualFrom {
				label = fmt.Sprintf(` [label="%s"]`, escape(c.Item(d.VirtualFrom).Name()))
			}
			fmt.Fprintf(w, "  %s -> %s%s\n", dotID(c.Item(d.Item)), dotID(it), label)
		}
		if v := it.Virtual(); v != nil {
			if p := c.Item(v.ParentID); p != nil {
				fmt.Fprintf(w, "  %s -> %s [style=dotted, arrowhead=none]\n", dotID(it), dotID(p))
			}
		}
	}

	fmt.Fprintf(w, "}\n")
	return nil
}

func dotID(it *symcache.CacheItem) string {
	return fmt.Sprintf("s%d", it.ID())
}

func dotNode(it *symcache.CacheItem, opts *DotOpts) string {
	fill := stageColors[it.Type()]
	style := "rounded,filled"
	color := "black"
	if it.IsVirtual() {
		style += ",dashed"
	}
	if !it.Enabled() || (opts.SettingsID != 0 && it.Mode(opts.SettingsID) == symcache.ModeSkip) {
		fill = "#eeeeee"
		color = "#999999"
	}
	if opts.Highlight[it.Name()] {
		color = "red"
		fill = "#f98b8b"
	}
	label := escape(it.Name())
	if p := it.Priority(); p != 0 {
		label += fmt.Sprintf(`\n(%d)`, p)
	}
	return fmt.Sprintf(`%s [label="%s", style="%s", color="%s", fillcolor="%s"]`,
		dotID(it), label, style, color, fill)
}

// PNG runs dot to make basename.png, leaving basename.dot behind.
func PNG(c *symcache.Cache, basename string, opts *DotOpts) (string, error) {
	dotname := basename + ".dot"
	pngname := basename + ".png"

	dotfile, err := os.Create(dotname)
	if err != nil {
		return pngname, err
	}
	if err = Dot(c, dotfile, opts); err != nil {
		dotfile.Close()
		return pngname, err
	}
	if err = dotfile.Close(); err != nil {
		return pngname, err
	}
	if err = exec.Command("dot", "-Tpng", "-o", pngname, dotname).Run(); err != nil {
		return pngname, err
	}
	return pngname, nil
}

func escape(s string) string {
	return strings.Replace(s, `"`, `\"`, -1)
}
