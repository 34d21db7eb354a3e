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

// Package rspamd schedules the symbols (checks) of a message scanner.
//
// Symbols are registered with a symcache.Cache, which resolves their
// dependencies and virtual aliases and compiles an execution order
// grouped by stage.  A symcache.Runtime drives one scan through that
// order, and a session.Session tracks the asynchronous work the
// checks start so that a scan only finishes when all of it has.
//
// Package config loads symbols from YAML, package worker runs scans
// on a reactor loop, and cmd/symcache is a command-line tool for
// checking, rendering and serving configurations.
package rspamd
