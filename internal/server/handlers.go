package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonathan/persona-imagegen/internal/orchestrator"
	"github.com/jonathan/persona-imagegen/internal/server/middleware"
	"github.com/jonathan/persona-imagegen/internal/types"
)

// pathKey returns the validated {key} path value.
func pathKey(r *http.Request) (string, error) {
	key := r.PathValue("key")
	if err := types.ValidateKey(key); err != nil {
		return "", &ErrValidation{Field: "key", Message: err.Error()}
	}
	return key, nil
}

// queryTier parses the tier query parameter. An empty value returns "" when optional.
func queryTier(r *http.Request, required bool) (types.Tier, error) {
	raw := r.URL.Query().Get("tier")
	if raw == "" {
		if required {
			return "", &ErrValidation{Field: "tier", Message: "tier query parameter is required"}
		}
		return "", nil
	}
	tier, err := types.ParseTier(raw)
	if err != nil {
		return "", &ErrValidation{Field: "tier", Message: err.Error()}
	}
	return tier, nil
}

// decodeBody decodes a JSON body into dst and runs its validate tags.
func decodeBody[T interface{ Validate() error }](w http.ResponseWriter, r *http.Request, dst T) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ErrValidation{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := dst.Validate(); err != nil {
		return validationError(err)
	}
	return nil
}

// validationError converts the first validator field error into an ErrValidation.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ErrValidation{Field: strings.ToLower(fe.Field()), Message: fmt.Sprintf("failed %q check", fe.Tag())}
	}
	return &ErrValidation{Field: "body", Message: err.Error()}
}

// handleGetImage serves the best tier of a key, or the tier named by ?tier=. With
// ?experiment=true the experiment alias of that tier is served instead.
func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tier, err := queryTier(r, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	experiment := false
	if raw := r.URL.Query().Get("experiment"); raw != "" {
		if experiment, err = strconv.ParseBool(raw); err != nil {
			s.writeError(w, &ErrValidation{Field: "experiment", Message: "must be a boolean"})
			return
		}
	}

	store := s.orch.Store()
	var path string
	switch {
	case experiment:
		if tier == "" {
			s.writeError(w, &ErrValidation{Field: "tier", Message: "experiment images need a tier"})
			return
		}
		stem := types.ExperimentStem(key, tier)
		if !store.StemExists(stem) {
			s.writeError(w, &ErrNotFound{Key: stem})
			return
		}
		path = store.StemPath(stem)
	case tier != "":
		if !store.Exists(key, tier) {
			s.writeError(w, &ErrNotFound{Key: key})
			return
		}
		path = store.Path(key, tier)
	default:
		var ok bool
		if path, tier, ok = s.orch.GetCached(key); !ok {
			s.writeError(w, &ErrNotFound{Key: key})
			return
		}
	}

	w.Header().Set("Content-Type", "image/png")
	// the same URL upgrades in place as higher tiers land
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Image-Tier", tier.String())
	http.ServeFile(w, r, path)
}

// handleGenerate answers with the cached artifact, or starts (or, with wait, performs)
// the fast render.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req types.GenerateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if req.Wait {
		res, err := s.orch.Generate(r.Context(), key, req.Prompt, req.Seed)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.jsonResponse(w, http.StatusOK, res)
		return
	}

	res, err := s.orch.Ensure(key, req.Prompt, req.Seed)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Generating {
		status = http.StatusAccepted
	}
	s.jsonResponse(w, status, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.orch.Status(key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, status)
}

// handleEvents streams a "tier" event each time a higher tier of key lands and
// "complete" once the ultra tier exists.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)

	store := s.orch.Store()
	ticker := time.NewTicker(s.eventPoll)
	defer ticker.Stop()
	deadline := time.NewTimer(s.eventTimeout)
	defer deadline.Stop()

	sent := 0
	for {
		if _, tier, ok := store.Best(key); ok && tier.Rank() > sent {
			sent = tier.Rank()
			if err := sse.WriteTier(key, tier); err != nil {
				return
			}
			if tier == types.TierUltra {
				sse.WriteComplete(key, tier)
				return
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			sse.WriteError(fmt.Sprintf("timed out waiting for %s", types.TierUltra))
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleQueues(w http.ResponseWriter, _ *http.Request) {
	status, err := s.orch.QueueStatus()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, status)
}

// handleInvalidate re-rolls the tier named by ?tier= (or "all") with a fresh seed.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sel := strings.ToLower(r.URL.Query().Get("tier"))
	if sel != orchestrator.SelectAll {
		tier, err := queryTier(r, true)
		if err != nil {
			s.writeError(w, err)
			return
		}
		sel = tier.String()
	}

	s.auditAdmin(r, "invalidate", key, sel)
	res, err := s.orch.Invalidate(r.Context(), key, sel)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

// handleRequeue redoes the tier named by ?tier= with its stored prompt and seed.
func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tier, err := queryTier(r, true)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.auditAdmin(r, "requeue", key, tier.String())
	res, err := s.orch.Requeue(r.Context(), key, tier)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	s.jsonResponse(w, status, res)
}

// handleExperiment renders or queues an experiment alias that never replaces the
// canonical artifacts of the key.
func (s *Server) handleExperiment(w http.ResponseWriter, r *http.Request) {
	var req types.ExperimentRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	tier, err := types.ParseTier(req.Tier)
	if err != nil {
		s.writeError(w, &ErrValidation{Field: "tier", Message: err.Error()})
		return
	}
	if err := types.ValidateStem(types.ExperimentStem(req.Key, tier)); err != nil {
		s.writeError(w, &ErrValidation{Field: "key", Message: "too long for an experiment"})
		return
	}

	s.auditAdmin(r, "experiment", req.Key, tier.String())
	res, err := s.orch.Experiment(r.Context(), req.Key, req.Prompt, req.Seed, tier)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	s.jsonResponse(w, status, res)
}

func (s *Server) auditAdmin(r *http.Request, action, key, tier string) {
	subject, _ := middleware.GetSubject(r)
	s.logger.Info("admin action", "action", action, "key", key, "tier", tier, "subject", subject)
}
