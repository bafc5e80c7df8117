package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/manumohan/farm-automation/internal/liveness"
	"github.com/manumohan/farm-automation/internal/models"

	"go.uber.org/zap"
)

// LivenessReader 只读存活表（*liveness.Store 实现）
type LivenessReader interface {
	Get(deviceID string) (models.DeviceLivenessRecord, error)
	Snapshot() []models.DeviceLivenessRecord
}

// LivenessHandler 设备存活查询（status worker 的诊断接口）
//
//	GET /api/v1/devices/liveness
//	GET /api/v1/devices/{deviceID}/liveness
type LivenessHandler struct {
	store  LivenessReader
	logger *zap.Logger
}

func NewLivenessHandler(store LivenessReader, logger *zap.Logger) *LivenessHandler {
	return &LivenessHandler{store: store, logger: logger}
}

func (h *LivenessHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/devices/")

	if rest == "liveness" {
		records := h.store.Snapshot()
		out := make([]livenessDTO, 0, len(records))
		for i := range records {
			out = append(out, toLivenessDTO(&records[i]))
		}
		writeJSON(w, http.StatusOK, Ok(out))
		return
	}

	deviceID := strings.TrimSuffix(rest, "/liveness")
	if deviceID == rest || deviceID == "" || strings.Contains(deviceID, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	rec, err := h.store.Get(deviceID)
	if err != nil {
		if errors.Is(err, liveness.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, Fail(err.Error()))
			return
		}
		h.logger.Error("Get liveness failed", zap.String("device_id", deviceID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(toLivenessDTO(&rec)))
}
