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
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/patzehq/patze/lib/httplib"
	"github.com/patzehq/patze/lib/telemetry"
)

var (
	ingestAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "patze_ingest_accepted_total",
		Help: "Telemetry envelopes accepted on ingest, duplicates included.",
	})
	ingestRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "patze_ingest_rejected_total",
		Help: "Telemetry envelopes rejected on ingest, by rejection code.",
	}, []string{"code"})
)

// ingestEvent accepts a single telemetry envelope.
//
// POST /ingest
//
// {"id": "uuid", "schemaVersion": "telemetry.v1", "type": "machine.heartbeat", ...}
//
// Success response is {"message": "ok"} whether the event was stored
// or recognized as a duplicate. Invalid envelopes get a 400 with
// {"code": "invalid_envelope", "message": "..."} so the sender can
// drop the event instead of retrying it forever.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, httplib.MaxRequestSize))
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	env, err := telemetry.ParseAndValidate(raw)
	if err != nil {
		rejection := telemetry.AsRejection(err)
		ingestRejected.WithLabelValues(rejection.Code).Inc()
		httplib.ReplyJSON(w, http.StatusBadRequest, rejection)
		return nil, nil
	}
	h.cfg.Store.Append(env)
	ingestAccepted.Inc()
	return ok(), nil
}

type batchIngestReq struct {
	Events []json.RawMessage `json:"events"`
}

type batchRejection struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type batchIngestResponse struct {
	Accepted int              `json:"accepted"`
	Rejected []batchRejection `json:"rejected"`
}

// ingestBatch accepts a batch of telemetry envelopes. Events are
// validated independently: good ones are stored, bad ones come back
// with their index and rejection code. The response is always 200 so
// a sender never re-posts a whole batch over one poisoned event.
//
// POST /ingest/batch
//
// {"events": [{...}, {...}]}
//
// Response:
//
// {"accepted": 1, "rejected": [{"index": 1, "code": "invalid_payload", "message": "..."}]}
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req batchIngestReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	resp := batchIngestResponse{Rejected: []batchRejection{}}
	for i, raw := range req.Events {
		env, err := telemetry.ParseAndValidate(raw)
		if err != nil {
			rejection := telemetry.AsRejection(err)
			ingestRejected.WithLabelValues(rejection.Code).Inc()
			resp.Rejected = append(resp.Rejected, batchRejection{
				Index:   i,
				Code:    rejection.Code,
				Message: rejection.Message,
			})
			continue
		}
		h.cfg.Store.Append(env)
		ingestAccepted.Inc()
		resp.Accepted++
	}
	return resp, nil
}
