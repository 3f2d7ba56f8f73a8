package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-agent/internal/agent"
	"github.com/sells-group/pricing-agent/internal/report"
	"github.com/sells-group/pricing-agent/internal/settings"
)

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeFailure maps domain errors onto status codes.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var verr *settings.ValidationError
	switch {
	case eris.Is(err, agent.ErrRunInProgress):
		writeError(w, http.StatusConflict, "a run is already in progress")
	case eris.Is(err, agent.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case eris.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid settings", Fields: verr.Fields})
	default:
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	v, err := h.agent.Status(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DryRun bool `json:"dryRun"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.agent.Start(r.Context(), req.DryRun)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	runs, err := h.agent.History(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) latestReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.agent.LatestReport(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if rep == nil {
		writeError(w, http.StatusNotFound, "no runs yet")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.agent.GetReport(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if rep == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) deleteReport(w http.ResponseWriter, r *http.Request) {
	ok, err := h.agent.DeleteReport(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := h.agent.Cancel(runID); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID, "status": "cancelling"})
}

func (h *Handler) exportReport(w http.ResponseWriter, r *http.Request) {
	format := report.FormatCSV
	if q := r.URL.Query().Get("format"); q != "" {
		f, err := report.ParseFormat(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		format = f
	}

	runID := chi.URLParam(r, "runID")
	rep, err := h.agent.GetReport(r.Context(), runID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if rep == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	ct := "text/csv"
	if format == report.FormatXLSX {
		ct = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, runID, format))
	if err := report.Write(w, rep, format); err != nil {
		zap.L().Error("api: export report", zap.String("run_id", runID), zap.Error(err))
	}
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.settings.GetOrCreate(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var u settings.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s, err := h.settings.Update(r.Context(), u)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) revealSecret(w http.ResponseWriter, r *http.Request) {
	secret, err := h.settings.RevealSecret(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"secret": secret, "hasSecret": secret != ""})
}

func (h *Handler) clearSecret(w http.ResponseWriter, r *http.Request) {
	if err := h.settings.ClearSecret(r.Context()); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
