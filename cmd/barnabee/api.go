package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/barnabee-home/barnabee/internal/orchestrator"
)

// requestPayload is the wire form of one transcribed utterance.
type requestPayload struct {
	Utterance      string `json:"utterance"`
	DeviceID       string `json:"device_id"`
	SpeakerID      string `json:"speaker_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type entitiesPayload struct {
	Devices   []string          `json:"devices,omitempty"`
	Locations []string          `json:"locations,omitempty"`
	Times     []string          `json:"times,omitempty"`
	Durations []string          `json:"durations,omitempty"`
	People    []string          `json:"people,omitempty"`
	RawSlots  map[string]string `json:"raw_slots,omitempty"`
}

type executorPayload struct {
	Success         bool     `json:"success"`
	EntityIDs       []string `json:"entity_ids,omitempty"`
	Action          string   `json:"action,omitempty"`
	Error           string   `json:"error,omitempty"`
	ExecutionTimeMS int64    `json:"execution_time_ms"`
}

type responsePayload struct {
	RequestID      string           `json:"request_id"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Intent         string           `json:"intent"`
	Confidence     float64          `json:"confidence"`
	Stage          string           `json:"stage"`
	Entities       entitiesPayload  `json:"entities"`
	ResponseText   string           `json:"response_text"`
	Executor       *executorPayload `json:"executor,omitempty"`
	LatencyMS      int64            `json:"latency_ms"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// requestHandler serves POST /v1/requests: one utterance in, one full
// pipeline response out.
func requestHandler(orch *orchestrator.Orchestrator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload requestPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, errorPayload{Error: "invalid JSON body"})
			return
		}

		resp, err := orch.ProcessRequest(r.Context(), orchestrator.Request{
			Utterance:      payload.Utterance,
			DeviceID:       payload.DeviceID,
			SpeakerID:      payload.SpeakerID,
			ConversationID: payload.ConversationID,
		})
		if err != nil {
			writeJSON(w, statusFor(err), errorPayload{Error: err.Error()})
			return
		}

		out := responsePayload{
			RequestID:      resp.RequestID,
			ConversationID: resp.ConversationID,
			Intent:         resp.Intent,
			Confidence:     resp.Confidence,
			Stage:          resp.Stage,
			ResponseText:   resp.ResponseText,
			LatencyMS:      resp.LatencyMS,
			Entities: entitiesPayload{
				Devices:   resp.Entities.Devices,
				Locations: resp.Entities.Locations,
				Times:     resp.Entities.Times,
				Durations: resp.Entities.Durations,
				People:    resp.Entities.People,
				RawSlots:  resp.Entities.RawSlots,
			},
		}
		if resp.Executor != nil {
			out.Executor = &executorPayload{
				Success:         resp.Executor.Success,
				EntityIDs:       resp.Executor.EntityIDs,
				Action:          resp.Executor.Action,
				Error:           resp.Executor.Error,
				ExecutionTimeMS: resp.Executor.ExecutionTimeMS,
			}
		}
		writeJSON(w, http.StatusOK, out)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, orchestrator.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, orchestrator.ErrTransientUpstream):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
