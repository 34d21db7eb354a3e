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
	"fmt"
	"strings"
)

// Stage is the pipeline phase of an item.
type Stage int

const (
	Connection Stage = iota
	Pre
	Normal
	Post
	Idempotent
	Classifier
	Composite
	Virtual
)

var stageNames = map[Stage]string{
	Connection: "connfilter",
	Pre:        "prefilter",
	Normal:     "filter",
	Post:       "postfilter",
	Idempotent: "idempotent",
	Classifier: "classifier",
	Composite:  "composite",
	Virtual:    "virtual",
}

var stageAliases = map[string]Stage{
	"connection": Connection,
	"connfilter": Connection,
	"pre":        Pre,
	"prefilter":  Pre,
	"normal":     Normal,
	"filter":     Normal,
	"callback":   Normal,
	"post":       Post,
	"postfilter": Post,
	"idempotent": Idempotent,
	"classifier": Classifier,
	"composite":  Composite,
	"virtual":    Virtual,
}

func (s Stage) String() string {
	if name, have := stageNames[s]; have {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ParseStage accepts the stage names used in configuration, both the
// long ("prefilter") and short ("pre") forms.  The empty string is
// Normal.
func ParseStage(s string) (Stage, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Normal, nil
	}
	if st, have := stageAliases[s]; have {
		return st, nil
	}
	return Normal, fmt.Errorf("unknown stage %q", s)
}

// rank places a stage on the positional axis.  Classifier, Composite
// and Virtual are concurrent with Normal.
func (s Stage) rank() int {
	switch s {
	case Connection:
		return 0
	case Pre:
		return 1
	case Post:
		return 3
	case Idempotent:
		return 4
	default:
		return 2
	}
}

// Before reports whether every item of stage s must run before any
// item of stage o.
func (s Stage) Before(o Stage) bool {
	return s.rank() < o.rank()
}

// Legacy is the single bitmask that older configurations use to give
// both the stage and the flags of a symbol.
type Legacy uint32

const (
	LegacyNormal Legacy = 1 << iota
	LegacyVirtual
	LegacyCallback
	LegacyGhost
	LegacySkipped
	LegacyComposite
	LegacyClassifier
	LegacyFine
	LegacyEmpty
	LegacyConnFilter
	LegacyPreFilter
	LegacyPostFilter
	LegacyNoStat
	LegacyIdempotent
	LegacyTrivial
	LegacyMimeOnly
	LegacyExplicitDisable
	LegacyIgnorePassthrough
	LegacyExplicitEnable
	LegacyUseHeuristic
)

var legacyStages = []struct {
	bit   Legacy
	stage Stage
}{
	{LegacyConnFilter, Connection},
	{LegacyPreFilter, Pre},
	{LegacyPostFilter, Post},
	{LegacyIdempotent, Idempotent},
	{LegacyComposite, Composite},
	{LegacyClassifier, Classifier},
	{LegacyVirtual, Virtual},
}

var legacyFlags = []struct {
	bit  Legacy
	flag Flags
}{
	{LegacyGhost, FlagGhost},
	{LegacySkipped, FlagSkip},
	{LegacyFine, FlagFine},
	{LegacyEmpty, FlagEmpty},
	{LegacyNoStat, FlagNoStat},
	{LegacyTrivial, FlagTrivial},
	{LegacyMimeOnly, FlagMimeOnly},
	{LegacyExplicitDisable, FlagExplicitDisable},
	{LegacyIgnorePassthrough, FlagIgnorePassthrough},
	{LegacyExplicitEnable, FlagExplicitEnable},
	{LegacyUseHeuristic, FlagUseHeuristic},
}

// StageFromLegacy splits a legacy mask.  At most one stage bit may be
// set; with none the stage is Normal.
func StageFromLegacy(mask Legacy) (Stage, Flags, error) {
	stage := Normal
	found := 0
	for _, x := range legacyStages {
		if mask&x.bit != 0 {
			stage = x.stage
			found++
		}
	}
	if 1 < found {
		return Normal, 0, fmt.Errorf("invalid legacy type %#x: more than one stage", uint32(mask))
	}

	var flags Flags
	for _, x := range legacyFlags {
		if mask&x.bit != 0 {
			flags |= x.flag
		}
	}
	return stage, flags, nil
}
