// Package control serves the two HTTP surfaces: the metrics exposition and
// the correction endpoint.
package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"tcpscan/internal/correction"
	"tcpscan/internal/logging"
)

// Renderer produces the metrics exposition.
type Renderer interface {
	Render(w io.Writer) error
	ContentType() string
}

// Corrections is the write side of the correction store.
type Corrections interface {
	Snapshot() correction.Snapshot
	Set(iface string, value float64) error
	SetDefault(value float64) error
}

// Resolver maps an interface-or-alias identifier to an interface name.
type Resolver interface {
	Resolve(ctx context.Context, id string) (string, error)
}

func newRouter() *httprouter.Router {
	r := httprouter.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.HandleMethodNotAllowed = true
	r.HandleOPTIONS = false
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed\n")
	})
	return r
}

// MetricsHandler serves GET /metrics.
func MetricsHandler(m Renderer, log *zap.Logger) http.Handler {
	if log == nil {
		log = logging.Named("control")
	}
	r := newRouter()
	r.GET("/metrics", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		var buf bytes.Buffer
		if err := m.Render(&buf); err != nil {
			log.Error("render metrics", zap.Error(err))
			writeText(w, http.StatusInternalServerError, "render failed\n")
			return
		}
		w.Header().Set("Content-Type", m.ContentType())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	})
	return r
}

// CorrectionHandler serves GET <path>?value=<float>&nic=<id> and GET /healthz.
func CorrectionHandler(path string, c Corrections, aliases Resolver, log *zap.Logger) http.Handler {
	if log == nil {
		log = logging.Named("control")
	}
	h := &correctionHandler{store: c, aliases: aliases, log: log}
	r := newRouter()
	r.GET(path, h.serve)
	r.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeText(w, http.StatusOK, "ok\n")
	})
	return r
}

type correctionHandler struct {
	store   Corrections
	aliases Resolver
	log     *zap.Logger
}

func (h *correctionHandler) serve(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	if !q.Has("value") {
		writeText(w, http.StatusOK, h.store.Snapshot().String())
		return
	}

	value, err := strconv.ParseFloat(q.Get("value"), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		writeText(w, http.StatusBadRequest, "Value must be a number\n")
		return
	}
	if value <= 0 {
		writeText(w, http.StatusBadRequest, "Value must be greater than 0\n")
		return
	}

	id := q.Get("nic")
	if id == "" {
		if !h.apply(w, func() error { return h.store.SetDefault(value) }) {
			return
		}
		h.log.Info("global correction factor set", zap.Float64("value", value))
		writeText(w, http.StatusOK, fmt.Sprintf("Correction factor set to: %s\n", correction.FormatFactor(value)))
		return
	}

	iface, err := h.aliases.Resolve(r.Context(), id)
	if err != nil {
		h.log.Info("correction target not found", zap.String("nic", id), zap.Error(err))
		writeText(w, http.StatusNotFound, fmt.Sprintf("Interface or alias %q not found\n", id))
		return
	}
	if !h.apply(w, func() error { return h.store.Set(iface, value) }) {
		return
	}
	h.log.Info("interface correction factor set",
		zap.String("nic", id), zap.String("interface", iface), zap.Float64("value", value))
	writeText(w, http.StatusOK, fmt.Sprintf("Correction factor for %s set to: %s\n", iface, correction.FormatFactor(value)))
}

func (h *correctionHandler) apply(w http.ResponseWriter, set func() error) bool {
	err := set()
	if err == nil {
		return true
	}
	var ve *correction.ValidationError
	if errors.As(err, &ve) {
		writeText(w, http.StatusBadRequest, err.Error()+"\n")
		return false
	}
	h.log.Error("set correction", zap.Error(err))
	writeText(w, http.StatusInternalServerError, "internal error\n")
	return false
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
