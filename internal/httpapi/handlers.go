package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"postsched/internal/media"
	"postsched/internal/publish"
	"postsched/internal/storage"
	"postsched/internal/task/engine"
	"postsched/internal/task/scheduler"
	logx "postsched/pkg/logx"
)

// Form fields of POST /v1/schedules.
const (
	fieldText      = "text"
	fieldImage     = "image"
	fieldToken     = "token"
	fieldProvider  = "provider"
	fieldStartDate = "start_date"
	fieldStartTime = "start_time"
	fieldEndDate   = "end_date"
	fieldFrequency = "frequency"
	fieldTimezone  = "timezone"
)

// formOverhead is the multipart allowance on top of the image size limit.
const formOverhead = 1 << 20

func (s *Service) defaults() Defaults {
	d := Defaults{Location: time.UTC}
	if s.deps.Defaults != nil {
		d = s.deps.Defaults()
		if d.Location == nil {
			d.Location = time.UTC
		}
	}
	return d
}

func (s *Service) handleSchedule(w http.ResponseWriter, r *http.Request) {
	maxImage := s.deps.Images.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxImage+formOverhead)
	if err := r.ParseMultipartForm(maxImage + formOverhead); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request larger than %d bytes", tooBig.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "expected multipart/form-data: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	form := func(k string) string { return strings.TrimSpace(r.FormValue(k)) }
	file, _, ferr := r.FormFile(fieldImage)
	if file != nil {
		defer file.Close()
	}

	var missing []string
	for _, k := range []string{fieldText, fieldToken, fieldStartDate, fieldStartTime} {
		if form(k) == "" {
			missing = append(missing, k)
		}
	}
	if ferr != nil {
		missing = append(missing, fieldImage)
	}
	if len(missing) > 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: missing %s", engine.ErrInvalidSchedule, strings.Join(sortFields(missing), ", ")))
		return
	}

	def := s.defaults()
	req, err := buildRequest(form, def.Location)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: %s", engine.ErrInvalidSchedule, err))
		return
	}

	provider := strings.ToLower(form(fieldProvider))
	if provider == "" {
		provider = def.Provider
	}
	if s.deps.Providers != nil && !s.deps.Providers.Has(provider) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: provider %q is not enabled", engine.ErrInvalidSchedule, provider))
		return
	}

	ref, _, err := s.deps.Images.Put(r.Context(), file)
	if err != nil {
		switch {
		case errors.Is(err, media.ErrTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, media.ErrUnsupportedType), errors.Is(err, media.ErrEmpty):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.log.Error("image store failed", logx.Err(err))
			writeError(w, http.StatusInternalServerError, "could not store image")
		}
		return
	}

	res, err := s.deps.Engine.Schedule(r.Context(), req, engine.Payload{
		Text:        form(fieldText),
		ImageRef:    ref,
		Credentials: publish.NewCredentials(provider, form(fieldToken)),
	})
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInvalidSchedule):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, engine.ErrStopped):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.log.Error("schedule failed", logx.Err(err))
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	status := http.StatusCreated
	if len(res.JobIDs) == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

var fieldOrder = map[string]int{fieldText: 0, fieldImage: 1, fieldToken: 2, fieldStartDate: 3, fieldStartTime: 4}

func sortFields(missing []string) []string {
	slices.SortFunc(missing, func(a, b string) int { return fieldOrder[a] - fieldOrder[b] })
	return missing
}

func buildRequest(form func(string) string, defLoc *time.Location) (scheduler.Request, error) {
	var req scheduler.Request

	freq := scheduler.Once
	if raw := form(fieldFrequency); raw != "" {
		f, err := scheduler.ParseFrequency(raw)
		if err != nil {
			return req, err
		}
		freq = f
	}
	loc, err := scheduler.ParseLocation(form(fieldTimezone), defLoc)
	if err != nil {
		return req, err
	}
	day, err := scheduler.ParseDate(form(fieldStartDate))
	if err != nil {
		return req, err
	}
	clock, err := scheduler.ParseClock(form(fieldStartTime))
	if err != nil {
		return req, err
	}
	req.StartAt = scheduler.Combine(day, clock, loc)
	req.Frequency = freq

	if raw := form(fieldEndDate); raw != "" {
		end, err := scheduler.ParseDate(raw)
		if err != nil {
			return req, fmt.Errorf("end date: %w", err)
		}
		req.EndDate = end
	}
	return req, nil
}

func (s *Service) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n := s.deps.Engine.CancelSchedule(id)
	writeJSON(w, http.StatusOK, map[string]any{"schedule_id": id, "cancelled": n})
}

func (s *Service) handleJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f engine.Filter
	if raw := strings.TrimSpace(q.Get("state")); raw != "" {
		st, err := engine.ParseState(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.State = st
	}
	f.ScheduleID = strings.TrimSpace(q.Get("schedule_id"))
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	jobs := s.deps.Engine.Jobs(f)
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

type jobResponse struct {
	Job     *engine.JobInfo  `json:"job,omitempty"`
	History []storage.Record `json:"history,omitempty"`
}

func (s *Service) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var resp jobResponse
	if info, err := s.deps.Engine.Get(id); err == nil {
		resp.Job = &info
	}
	if s.deps.History != nil {
		hist, err := s.deps.History.History(r.Context(), id)
		if err != nil {
			s.log.Warn("history lookup failed", logx.String("job_id", id), logx.Err(err))
		}
		resp.History = hist
	}
	// Pruned jobs are still answered from history.
	if resp.Job == nil && len(resp.History) == 0 {
		writeError(w, http.StatusNotFound, engine.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Cancel(r.PathValue("id")); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "engine": s.deps.Engine.Snapshot()}
	if s.deps.Health != nil {
		for k, v := range s.deps.Health() {
			body[k] = v
		}
	}
	status := http.StatusOK
	if err := s.deps.Engine.Err(); err != nil {
		body["status"] = "failed"
		body["error"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
