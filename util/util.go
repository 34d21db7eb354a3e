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

package util

import "fmt"

// Normalize converts the map[interface{}]interface{} values produced
// by YAML decoding into map[string]interface{}, recursively, so that
// decoded data looks like decoded JSON.  Non-string keys are
// formatted with %v.
func Normalize(x interface{}) interface{} {
	switch vv := x.(type) {
	case map[interface{}]interface{}:
		acc := make(map[string]interface{}, len(vv))
		for k, v := range vv {
			s, is := k.(string)
			if !is {
				s = fmt.Sprintf("%v", k)
			}
			acc[s] = Normalize(v)
		}
		return acc
	case map[string]interface{}:
		acc := make(map[string]interface{}, len(vv))
		for k, v := range vv {
			acc[k] = Normalize(v)
		}
		return acc
	case []interface{}:
		acc := make([]interface{}, len(vv))
		for i, v := range vv {
			acc[i] = Normalize(v)
		}
		return acc
	default:
		return x
	}
}

// NormalizeMap is Normalize for the top-level map of a message.
func NormalizeMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	return Normalize(m).(map[string]interface{})
}
