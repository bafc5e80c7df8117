package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

// NewRouter 创建路由
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 /metrics 等）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterScheduleRoutes 计划接口
func (r *Router) RegisterScheduleRoutes(h *ScheduleHandler) {
	r.Handle("/api/v1/schedules/", h.ServeHTTP)
}

// RegisterLivenessRoutes 设备存活查询
func (r *Router) RegisterLivenessRoutes(h *LivenessHandler) {
	r.Handle("/api/v1/devices/", h.ServeHTTP)
}

// HealthCheck 返回 nil 表示依赖可用
type HealthCheck func() error

// RegisterOpsRoutes /metrics 与 /healthz（任一检查失败返回 503）
func (r *Router) RegisterOpsRoutes(metricsHandler http.Handler, checks ...HealthCheck) {
	r.HandleHandler("/metrics", metricsHandler)
	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		for _, check := range checks {
			if err := check(); err != nil {
				r.logger.Warn("Health check failed", zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, Fail(err.Error()))
				return
			}
		}
		writeJSON(w, http.StatusOK, Ok("ok"))
	})
}
