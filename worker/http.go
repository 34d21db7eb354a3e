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

package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// MaxBody limits the size of a scanned message.
var MaxBody int64 = 1 << 20

// Handler returns the worker's HTTP API:
//
//	GET  /stats               item statistics
//	GET  /order?settings=N    execution order under a profile
//	POST /scan?settings=N     scan the JSON object in the body
//	GET  /ws/stats?interval=D statistics pushed every D (default 1s)
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stats", w.handleStats)
	mux.HandleFunc("GET /order", w.handleOrder)
	mux.HandleFunc("POST /scan", w.handleScan)
	mux.HandleFunc("GET /ws/stats", w.handleWebSocket)
	return mux
}

func settingsID(r *http.Request) (uint32, error) {
	s := r.URL.Query().Get("settings")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad settings %q", s)
	}
	return uint32(n), nil
}

func writeJSON(rw http.ResponseWriter, status int, x interface{}) {
	js, err := json.Marshal(x)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	rw.Write(js)
}

func (w *Worker) handleStats(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, w.Stats())
}

func (w *Worker) handleOrder(rw http.ResponseWriter, r *http.Request) {
	sid, err := settingsID(r)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	names, err := w.Order(sid)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, names)
}

func (w *Worker) handleScan(rw http.ResponseWriter, r *http.Request) {
	sid, err := settingsID(r)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	bs, err := io.ReadAll(io.LimitReader(r.Body, MaxBody))
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	var input map[string]interface{}
	if err = json.Unmarshal(bs, &input); err != nil {
		http.Error(rw, "body: "+err.Error(), http.StatusBadRequest)
		return
	}
	res, err := w.Scan(r.Context(), input, sid)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

var upgrader = websocket.Upgrader{} // use default options

func (w *Worker) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	interval := time.Second
	if s := r.URL.Query().Get("interval"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			http.Error(rw, fmt.Sprintf("bad interval %q", s), http.StatusBadRequest)
			return
		}
		interval = d
	}

	c, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.Log.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer c.Close()

	// The reader only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := r.Context()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		js, err := json.Marshal(w.Stats())
		if err != nil {
			w.Log.ErrorContext(ctx, "stats marshal failed", "error", err)
			return
		}
		if err = c.WriteMessage(websocket.TextMessage, js); err != nil {
			w.Log.DebugContext(ctx, "websocket write failed", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}
