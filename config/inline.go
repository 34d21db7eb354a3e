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

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var inlinePattern = regexp.MustCompile(`%inline *\("([^"]*)"\)`)

// Inline replaces each '%inline("NAME")' with the contents f gives
// for NAME, written as a double-quoted scalar so that any text
// (typically a script) can be inlined without minding indentation.
func Inline(bs []byte, f func(string) ([]byte, error)) ([]byte, error) {
	var err error
	acc := inlinePattern.ReplaceAllFunc(bs, func(m []byte) []byte {
		if err != nil {
			return nil
		}
		name := string(inlinePattern.FindSubmatch(m)[1])
		var content []byte
		if content, err = f(name); err != nil {
			err = fmt.Errorf("inline %q: %w", name, err)
			return nil
		}
		var quoted []byte
		quoted, err = json.Marshal(string(content))
		return quoted
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// ReadFileWithInlines reads a file and inlines files named relative
// to its directory.
func ReadFileWithInlines(filename string) ([]byte, error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(filename)
	return Inline(bs, func(name string) ([]byte, error) {
		return os.ReadFile(filepath.Join(dir, name))
	})
}
