// Package httpapi 健康检查、重放与管理接口
package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterHealthRoutes /healthz
func (r *Router) RegisterHealthRoutes(h *HealthHandler) {
	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Check(w, req)
	})
}

// RegisterReplayRoutes 重连客户端拉取最近事件
func (r *Router) RegisterReplayRoutes(h *ReplayHandler) {
	r.Handle("/data/api/v1/replay", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.GetReplay(w, req)
	})
}

// RegisterDeviceRoutes /admin/api/v1/devices/{id}/state 与 /invalidate
func (r *Router) RegisterDeviceRoutes(h *DeviceHandler) {
	const prefix = "/admin/api/v1/devices/"
	r.Handle(prefix, func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, prefix)
		id, action, ok := strings.Cut(rest, "/")
		if !ok || id == "" || strings.Contains(action, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		switch action {
		case "state":
			if req.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.GetState(w, req, id)
		case "invalidate":
			if req.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.Invalidate(w, req, id)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}
