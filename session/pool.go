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

package session

// Pool owns resources that live exactly as long as one scan.
// Destructors run once, in reverse order of registration, when the
// pool is released.
type Pool struct {
	Tag string

	destructors []func()
	released    bool
}

// NewPool makes an empty pool.
func NewPool(tag string) *Pool {
	return &Pool{
		Tag:         tag,
		destructors: make([]func(), 0, 4),
	}
}

// AddDestructor registers a function to call on Release.  If the pool
// is already released, fn runs immediately.
func (p *Pool) AddDestructor(fn func()) {
	if p.released {
		fn()
		return
	}
	p.destructors = append(p.destructors, fn)
}

// Released reports whether Release has been called.
func (p *Pool) Released() bool {
	return p.released
}

// Release runs the destructors.  Subsequent calls do nothing.
func (p *Pool) Release() {
	if p.released {
		return
	}
	p.released = true
	for i := len(p.destructors) - 1; 0 <= i; i-- {
		p.destructors[i]()
	}
	p.destructors = nil
}
