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
	"io"

	"github.com/bilym/rspamd/symcache"
)

type MermaidOpts struct {
	// VirtualFill is the fill color of virtual symbols.  Does not
	// apply if VirtualClass is set.
	VirtualFill string `json:"virtualFill,omitempty"`

	// VirtualClass will be the CSS class for virtual symbols.
	VirtualClass string `json:"virtualClass,omitempty"`

	// ShowPriorities adds non-zero priorities to labels.
	ShowPriorities bool `json:"showPriorities,omitempty"`
}

// Mermaid makes a Mermaid (https://mermaidjs.github.io/) flowchart
// of a compiled cache with one subgraph per stage.
func Mermaid(c *symcache.Cache, w io.Writer, opts *MermaidOpts) error {
	if !c.Compiled() {
		return symcache.ErrNotCompiled
	}
	if opts == nil {
		opts = &MermaidOpts{
			VirtualFill:    "#bcf2db",
			ShowPriorities: true,
		}
	}

	fmt.Fprintf(w, "graph LR\n")

	for n, stage := range stagesInOrder(c) {
		fmt.Fprintf(w, "  subgraph st%d [\"%s\"]\n", n, stage)
		for _, it := range ordered(c) {
			if c.EffectiveStage(it) != stage {
				continue
			}
			label := it.Name()
			if p := it.Priority(); opts.ShowPriorities && p != 0 {
				label += fmt.Sprintf(" (%d)", p)
			}
			nid := mermaidID(it)
			if it.IsVirtual() {
				fmt.Fprintf(w, "    %s([\"%s\"])\n", nid, label)
				switch {
				case opts.VirtualClass != "":
					fmt.Fprintf(w, "    class %s %s\n", nid, opts.VirtualClass)
				case opts.VirtualFill != "":
					fmt.Fprintf(w, "    style %s fill:%s\n", nid, opts.VirtualFill)
				}
			} else {
				fmt.Fprintf(w, "    %s[\"%s\"]\n", nid, label)
			}
		}
		fmt.Fprintf(w, "  end\n")
	}

	for _, it := range ordered(c) {
		for _, d := range it.Deps() {
			fmt.Fprintf(w, "  %s --> %s\n", mermaidID(c.Item(d.Item)), mermaidID(it))
		}
		if v := it.Virtual(); v != nil {
			if p := c.Item(v.ParentID); p != nil {
				fmt.Fprintf(w, "  %s -.- %s\n", mermaidID(p), mermaidID(it))
			}
		}
	}

	return nil
}

func mermaidID(it *symcache.CacheItem) string {
	return fmt.Sprintf("n%d", it.ID())
}
