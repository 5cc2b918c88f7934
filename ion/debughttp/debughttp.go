// Package debughttp serves read-mostly views of an ion.Device over HTTP:
//
//	GET  /debug/ion/heaps       heap statistics (JSON)
//	GET  /debug/ion/heaps/:id   debug dump of one heap (text)
//	GET  /debug/ion/clients     client usage (JSON)
//	POST /debug/ion/reclaim     ?pressure=normal|highmem&target=N
package debughttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/joshuapare/ionkit/internal/logger"
	"github.com/joshuapare/ionkit/ion"
)

// Handler routes the debug endpoints for one device.
type Handler struct {
	dev    *ion.Device
	log    *logger.Sink
	router *httprouter.Router
}

// New builds the handler.
func New(dev *ion.Device) *Handler {
	h := &Handler{dev: dev, log: dev.Logger(), router: httprouter.New()}
	h.router.GET("/debug/ion/heaps", h.heaps)
	h.router.GET("/debug/ion/heaps/:id", h.dump)
	h.router.GET("/debug/ion/clients", h.clients)
	h.router.POST("/debug/ion/reclaim", h.reclaim)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// ReclaimResult is the body of a reclaim response.
type ReclaimResult struct {
	Pressure  string `json:"pressure"`
	Target    int    `json:"target"`
	Pages     int    `json:"pages"`
	Remaining int    `json:"remaining"`
}

func (h *Handler) heaps(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	h.writeJSON(w, h.dev.Heaps())
}

func (h *Handler) dump(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id, err := strconv.ParseUint(ps.ByName("id"), 10, 32)
	if err != nil {
		http.Error(w, "bad heap id", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := h.dev.DebugDump(w, uint32(id)); err != nil {
		if errors.Is(err, ion.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.log.Warn(logger.MaskRPC, "debug dump failed", "heap", id, "err", err)
	}
}

func (h *Handler) clients(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	clients := h.dev.Clients()
	if clients == nil {
		clients = []ion.ClientInfo{}
	}
	h.writeJSON(w, clients)
}

func (h *Handler) reclaim(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	p, err := ion.ParsePressure(q.Get("pressure"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	target := 0
	if s := q.Get("target"); s != "" {
		if target, err = strconv.Atoi(s); err != nil {
			http.Error(w, "bad target", http.StatusBadRequest)
			return
		}
	}
	n := h.dev.Reclaim(p, target)
	h.log.Info(logger.MaskReclaim, "reclaim requested over http", "pressure", p.String(), "target", target, "pages", n)
	h.writeJSON(w, ReclaimResult{Pressure: p.String(), Target: target, Pages: n, Remaining: h.dev.ReclaimCount(p)})
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		h.log.Warn(logger.MaskRPC, "encode debug response", "err", err)
	}
}
