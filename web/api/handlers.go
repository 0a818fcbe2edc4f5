package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/node-sizer/internal/domain"
	"github.com/hochfrequenz/node-sizer/internal/history"
)

// StatusResponse is the API response for overall status
type StatusResponse struct {
	ModelVersion string                 `json:"model_version,omitempty"`
	Retrain      domain.RetrainDecision `json:"retrain"`
	DefaultTier  string                 `json:"default_tier"`
	Summary      *history.Summary       `json:"summary,omitempty"`
	SSEClients   int                    `json:"sse_clients"`
	Time         string                 `json:"time"`
}

// TierResponse is the API response for a tier
type TierResponse struct {
	Name          string  `json:"name"`
	CapacityGB    float64 `json:"capacity_gb"`
	Instance      string  `json:"instance,omitempty"`
	HourlyCost    float64 `json:"hourly_cost"`
	ExecutorSlots int     `json:"executor_slots"`
	Default       bool    `json:"default"`
}

// ClassifyRequest is the body of POST /api/classify
type ClassifyRequest struct {
	BuildID  string               `json:"build_id"`
	Features domain.FeatureVector `json:"features"`
}

// RetrainResponse is the API response for POST /api/retrain
type RetrainResponse struct {
	Decision domain.RetrainDecision `json:"decision"`
	Result   *domain.TrainResult    `json:"result,omitempty"`
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		resp := StatusResponse{
			Retrain:     s.gate.Evaluate(s.gate.MinRecords()),
			DefaultTier: s.tiers.Default().Name,
			SSEClients:  s.sseHub.Clients(),
			Time:        time.Now().Format(time.RFC3339),
		}
		if s.versions != nil {
			resp.ModelVersion = s.versions.Version()
		}
		if s.reporter != nil {
			sum, err := s.reporter.Summary(r.Context())
			if err != nil {
				s.logger.Warn("summary unavailable", "error", err)
			} else {
				resp.Summary = sum
			}
		}

		writeJSON(w, resp)
	}
}

func (s *Server) tiersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		dflt := s.tiers.Default().Name
		tiers := s.tiers.Tiers()
		resp := make([]TierResponse, 0, len(tiers))
		for _, t := range tiers {
			resp = append(resp, TierResponse{
				Name:          t.Name,
				CapacityGB:    t.CapacityGB,
				Instance:      t.Instance,
				HourlyCost:    t.HourlyCost,
				ExecutorSlots: t.ExecutorSlots,
				Default:       t.Name == dflt,
			})
		}
		writeJSON(w, resp)
	}
}

func (s *Server) classifyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req ClassifyRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if req.BuildID == "" {
			req.BuildID = uuid.NewString()
		}

		d, err := s.classifier.ClassifyFeatures(r.Context(), req.BuildID, req.Features)
		if err != nil {
			if errors.Is(err, domain.ErrPredictionUnavailable) {
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, d)
	}
}

func (s *Server) retrainHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
		resp := RetrainResponse{Decision: s.gate.Evaluate(s.gate.MinRecords())}
		if !resp.Decision.Eligible && !force {
			writeJSON(w, resp)
			return
		}

		result := s.gate.TriggerTraining(r.Context())
		resp.Result = &result
		switch {
		case result.Trained:
			writeJSON(w, resp)
		case errors.Is(result.Err, domain.ErrTrainingInProgress):
			writeJSONStatus(w, http.StatusConflict, resp)
		default:
			writeJSONStatus(w, http.StatusInternalServerError, resp)
		}
	}
}
