package app

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"damageinspect/internal/backend"
	"damageinspect/internal/damage"
	"damageinspect/internal/imageprep"
	"damageinspect/internal/inspect"
	"damageinspect/internal/observability"
	"damageinspect/internal/store"
)

// statusClientClosedRequest is reported when the caller went away mid-extraction.
const statusClientClosedRequest = 499

var errNoImage = errors.New("no image provided")

// noImageMessage is the body text clients match on for a missing upload.
const noImageMessage = "No image provided"

type inspectionResponse struct {
	DamageAreas   []damage.Detection    `json:"damage_areas"`
	Backend       string                `json:"backend"`
	Model         string                `json:"model"`
	PromptVersion string                `json:"prompt_version"`
	Failures      []store.FailureRecord `json:"failures"`
}

type errorResponse struct {
	Error    string                `json:"error"`
	Kind     string                `json:"kind,omitempty"`
	Failures []store.FailureRecord `json:"failures,omitempty"`
}

func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", a.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("POST /damage_inspection", a.guard(http.HandlerFunc(a.handleInspect)))
	mux.Handle("POST /inspections", a.guard(http.HandlerFunc(a.handleSubmit)))
	mux.Handle("GET /inspections/{id}", a.guard(http.HandlerFunc(a.handleGet)))
	return mux
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if a.Store != nil {
		if err := a.Store.Ping(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	if a.Queue != nil {
		if err := a.Queue.Ping(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// guard applies the API key check and the per-address rate limit.
func (a *App) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if want := a.Config.Security.APIKey; want != "" && subtle.ConstantTimeCompare([]byte(key), []byte(want)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		// Unverified keys are caller controlled, so the bucket is always per address.
		if ok, retry := a.limiter.Allow(remoteIP(r)); !ok {
			observability.RateLimitedTotal.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded", Kind: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) handleInspect(w http.ResponseWriter, r *http.Request) {
	image, req, status, err := a.readUpload(w, r)
	if err != nil {
		writeJSON(w, status, uploadError(err))
		return
	}

	out, err := a.Inspector.Inspect(r.Context(), image, req)
	if err != nil {
		failures := store.FailureRecords(failuresOf(out, err))
		log.WithError(err).WithFields(log.Fields{
			"backend":  req.Backend,
			"kind":     damage.Kind(err),
			"failures": len(failures),
		}).Warn("inspection failed")
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Kind: damage.Kind(err), Failures: failures})
		return
	}
	writeJSON(w, http.StatusOK, inspectionResponse{
		DamageAreas:   out.Result.Detections,
		Backend:       out.Backend.ID,
		Model:         out.Backend.Model,
		PromptVersion: out.Backend.PromptVersion,
		Failures:      store.FailureRecords(out.Failures),
	})
}

func (a *App) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if a.Store == nil || a.Queue == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "async inspections are not configured"})
		return
	}
	image, req, status, err := a.readUpload(w, r)
	if err != nil {
		writeJSON(w, status, uploadError(err))
		return
	}
	// Reject unknown backends now rather than in the worker.
	if _, err := a.Resolver.Chain(req.Backend, backend.Override{Model: req.Model, Mode: req.Mode}); err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Kind: damage.Kind(err)})
		return
	}

	ctx := r.Context()
	id, err := a.Store.CreateInspection(ctx, store.NewInspection{
		Backend:   req.Backend,
		Mode:      string(req.Mode),
		Model:     req.Model,
		Image:     image,
		ImageMIME: imageprep.Probe(image).MIMEType,
	})
	if err != nil {
		log.WithError(err).Error("create inspection")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "could not store inspection"})
		return
	}
	if err := a.Queue.PushInspectionJob(ctx, id); err != nil {
		log.WithError(err).WithField("inspection", id).Error("enqueue inspection")
		_ = a.Store.FailInspection(ctx, id, "internal", "could not enqueue inspection", nil)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "could not enqueue inspection"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": store.StatusQueued})
}

func (a *App) handleGet(w http.ResponseWriter, r *http.Request) {
	if a.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "async inspections are not configured"})
		return
	}
	in, err := a.Store.GetInspection(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		log.WithError(err).Error("get inspection")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "could not load inspection"})
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// readUpload reads the multipart "image" field and the optional selection
// fields. On error it also returns the status to answer with.
func (a *App) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, inspect.Request, int, error) {
	var req inspect.Request
	if a.Config.HTTP.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.Config.HTTP.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, req, http.StatusRequestEntityTooLarge, errors.New("image too large")
		}
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, req, http.StatusBadRequest, errNoImage
		}
		return nil, req, http.StatusBadRequest, err
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		return nil, req, http.StatusBadRequest, errNoImage
	}
	defer file.Close()
	image, err := io.ReadAll(file)
	if err != nil {
		return nil, req, http.StatusBadRequest, err
	}
	if len(image) == 0 {
		return nil, req, http.StatusBadRequest, errNoImage
	}

	mode, err := backend.ParseMode(r.FormValue("mode"))
	if err != nil {
		return nil, req, http.StatusBadRequest, err
	}
	req = inspect.Request{Backend: r.FormValue("backend"), Mode: mode, Model: r.FormValue("model")}
	return image, req, 0, nil
}

func uploadError(err error) errorResponse {
	if errors.Is(err, errNoImage) {
		return errorResponse{Error: noImageMessage}
	}
	return errorResponse{Error: err.Error()}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, inspect.ErrEmptyImage), errors.Is(err, backend.ErrUnsupportedMode):
		return http.StatusBadRequest
	}
	switch damage.Kind(err) {
	case "unsupported_backend":
		return http.StatusBadRequest
	case "all_backends_failed", "schema_violation", "response_parse", "provider":
		return http.StatusBadGateway
	case "timeout":
		return http.StatusGatewayTimeout
	case "canceled":
		return statusClientClosedRequest
	}
	return http.StatusInternalServerError
}

func failuresOf(out inspect.Outcome, err error) []damage.Failure {
	var all *damage.AllBackendsFailedError
	if errors.As(err, &all) {
		return all.Failures
	}
	return out.Failures
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("write response")
	}
}
