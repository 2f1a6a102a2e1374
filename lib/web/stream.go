/*
Copyright 2024 Patze, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/httplib"
	"github.com/patzehq/patze/lib/projector"
	"github.com/patzehq/patze/lib/telemetry"
)

// getSnapshot returns the unified UI snapshot, with machines that
// stopped heartbeating long ago pruned at read time.
//
// GET /snapshot
func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.cfg.Publisher.Snapshot().Pruned(h.clock.Now()), nil
}

// streamEvents serves the live telemetry stream.
//
// GET /events
//
// Server-sent events, one frame per envelope:
//
//	id: <event id>
//	event: telemetry
//	data: <envelope json>
//
// A comment ping goes out every SSEPingInterval to keep intermediaries
// from reaping the connection. Reconnecting clients send Last-Event-ID
// and get the retained events after it replayed; if the store has
// already evicted that event the stream opens with a ": resume-gap"
// comment and the client is expected to refetch /snapshot.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if err := h.authorize(r); err != nil {
		httplib.ReplyError(w, trace.Wrap(err))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httplib.ReplyError(w, trace.BadParameter("connection does not support streaming"))
		return
	}

	h.streamClients.Add(1)
	defer h.streamClients.Add(-1)

	// Subscribe before the first flush and before computing the
	// replay, so an event appended the moment the stream opens cannot
	// fall through. The replay overlap is deduplicated below. The
	// listener must never block the store, so a client that cannot
	// drain its buffer is cut off and comes back through
	// Last-Event-ID.
	var lagged atomic.Bool
	feed := make(chan *telemetry.Envelope, defaults.SSEClientBuffer)
	unsubscribe := h.cfg.Store.Subscribe(func(env *telemetry.Envelope) {
		select {
		case feed <- env:
		default:
			lagged.Store(true)
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: %d\n\n", defaults.SSERetryHint.Milliseconds())
	flusher.Flush()

	replayed := make(map[string]struct{})
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		replay, found := h.cfg.Store.Since(lastID)
		if !found {
			fmt.Fprint(w, ": resume-gap\n\n")
			flusher.Flush()
		}
		for _, env := range replay {
			if err := writeEventFrame(w, env); err != nil {
				return
			}
			replayed[env.ID] = struct{}{}
		}
		flusher.Flush()
	}

	ping := h.clock.NewTicker(defaults.SSEPingInterval)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.Chan():
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case env := <-feed:
			// Events appended between subscribe and replay show up in
			// both; skip the ones the replay already delivered.
			if _, dup := replayed[env.ID]; dup {
				delete(replayed, env.ID)
				continue
			}
			if err := writeEventFrame(w, env); err != nil {
				return
			}
			flusher.Flush()
			if lagged.Load() && len(feed) == 0 {
				fmt.Fprint(w, ": stream-lagged\n\n")
				flusher.Flush()
				return
			}
		}
	}
}

func writeEventFrame(w http.ResponseWriter, env *telemetry.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := fmt.Fprintf(w, "id: %s\nevent: telemetry\ndata: %s\n\n", env.ID, data); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

type listMachinesResponse struct {
	Machines []projector.Machine `json:"machines"`
}

// listMachines returns the machine read model.
//
// GET /machines
func (h *Handler) listMachines(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return listMachinesResponse{Machines: h.cfg.Projector.Machines()}, nil
}

// getMachine returns one machine by id.
//
// GET /machines/:id
func (h *Handler) getMachine(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id := p.ByName("id")
	machine, found := h.cfg.Projector.Machine(id)
	if !found {
		return nil, trace.NotFound("machine %q is not known", id)
	}
	return machine, nil
}

type listSessionsResponse struct {
	Sessions []projector.Session `json:"sessions"`
}

// listSessions returns the session read model.
//
// GET /sessions
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return listSessionsResponse{Sessions: h.cfg.Projector.Sessions()}, nil
}

type listRunsResponse struct {
	Runs []projector.Run `json:"runs"`
}

// listRuns returns the run read model.
//
// GET /runs
func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return listRunsResponse{Runs: h.cfg.Projector.Runs()}, nil
}

type runDetailResponse struct {
	Run    projector.Run       `json:"run"`
	Detail projector.RunDetail `json:"detail"`
}

// getRunDetail returns one run with its tool call timeline and model
// usage rollup.
//
// GET /runs/:id
func (h *Handler) getRunDetail(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id := p.ByName("id")
	for _, run := range h.cfg.Projector.Runs() {
		if run.ID != id {
			continue
		}
		detail, found := h.cfg.Projector.RunDetail(id)
		if !found {
			detail = projector.RunDetail{RunID: id}
		}
		return runDetailResponse{Run: run, Detail: detail}, nil
	}
	return nil, trace.NotFound("run %q is not known", id)
}
