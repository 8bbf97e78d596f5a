package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ignatij/consentflow/internal/log"
	"github.com/ignatij/consentflow/pkg/models"
	"github.com/ignatij/consentflow/pkg/service"
	"github.com/pkg/errors"
)

// StartServer wires the control-plane handlers and serves on the given port.
func StartServer(port string, svc *service.PipelineService) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/consent", ConsentHandler(svc))
	mux.HandleFunc("/pipeline/run", RunHandler(svc))
	mux.HandleFunc("/pipeline/cancel", CancelHandler(svc))
	mux.HandleFunc("/pipeline/state", StateHandler(svc))
	mux.HandleFunc("/flush", FlushHandler(svc))
	mux.HandleFunc("/events", EventsHandler(svc))

	log.GetLogger().Infof("Starting consentflow server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "Consentflow server is running")
}

type consentRequest struct {
	CustomerID string               `json:"customer_id"`
	Scope      service.ConsentScope `json:"scope"`
}

type consentResponse struct {
	Token  string `json:"token"`
	Expiry string `json:"expiry"`
}

// ConsentHandler issues a fresh token for a customer: POST /consent
func ConsentHandler(svc *service.PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req consentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if req.CustomerID == "" {
			writeError(w, http.StatusBadRequest, "missing 'customer_id'")
			return
		}
		token, err := svc.RequestConsent(req.CustomerID, req.Scope)
		if errors.Is(err, service.ErrInvalidFetchType) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			log.GetLogger().Errorf("Failed to issue consent for %s: %v", req.CustomerID, err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, consentResponse{
			Token:  token.Token,
			Expiry: token.Expiry.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
}

type runRequest struct {
	CustomerID string `json:"customer_id"`
	Step       string `json:"step"`
	Token      string `json:"token"`
}

// RunHandler schedules a pipeline step: POST /pipeline/run
func RunHandler(svc *service.PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if req.CustomerID == "" {
			writeError(w, http.StatusBadRequest, "missing 'customer_id'")
			return
		}
		stepID, err := models.ParseStep(req.Step)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := svc.RunStep(req.CustomerID, stepID, req.Token); err != nil {
			log.GetLogger().Errorf("Failed to run step '%s' for %s: %v", req.Step, req.CustomerID, err)
			writeError(w, statusForError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

// CancelHandler terminates the customer's running job: POST /pipeline/cancel
func CancelHandler(svc *service.PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			CustomerID string `json:"customer_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CustomerID == "" {
			writeError(w, http.StatusBadRequest, "missing 'customer_id'")
			return
		}
		if !svc.CancelStep(req.CustomerID) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("no running step for customer %s", req.CustomerID))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

// StateHandler returns the customer's pipeline state: GET /pipeline/state?customer_id=
func StateHandler(svc *service.PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		customerID := r.URL.Query().Get("customer_id")
		if customerID == "" {
			writeError(w, http.StatusBadRequest, "missing 'customer_id' parameter")
			return
		}
		st, err := svc.GetPipelineState(customerID)
		if err != nil {
			log.GetLogger().Errorf("Failed to load state for %s: %v", customerID, err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// FlushHandler triggers a manual buffer sweep: POST /flush
func FlushHandler(svc *service.PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"flushed": svc.FlushBuffer()})
	}
}

// EventsHandler streams log/progress events over SSE:
// GET /events?customer_id= (omit the parameter to observe all customers)
func EventsHandler(svc *service.PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		// Register the observer before the response headers go out, so a
		// client that has seen the headers is guaranteed to be subscribed.
		id, events := svc.Subscribe(r.URL.Query().Get("customer_id"))
		defer svc.Unsubscribe(id)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					log.GetLogger().Errorf("Failed to marshal event: %v", err)
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
			}
		}
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidToken), errors.Is(err, service.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrConsentNotApproved), errors.Is(err, service.ErrTokenAlreadyUsed):
		return http.StatusForbidden
	case errors.Is(err, service.ErrStepAlreadyRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
