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

package interpreters

import (
	"github.com/bilym/rspamd/interpreters/goja"
	"github.com/bilym/rspamd/interpreters/native"
	"github.com/bilym/rspamd/symcache"
)

// Standard returns the interpreters available to configuration,
// along with the native interpreter so that callers can register Go
// checks with it.
func Standard() (symcache.InterpretersMap, *native.Interpreter) {
	is := make(symcache.InterpretersMap)

	es := goja.NewInterpreter()
	is["goja"] = es
	is["ecmascript"] = es
	is[""] = es

	n := native.NewInterpreter()
	is["native"] = n

	return is, n
}
