package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeResult[T any](w http.ResponseWriter, status int, res collector.Result[T]) {
	writeJSON(w, status, res)
}

func writeError(w http.ResponseWriter, err error) {
	kind := collector.KindOf(err)
	writeJSON(w, statusFor(false, kind), collector.Fail[struct{}](err))
}

func writeFailure(w http.ResponseWriter, status int, kind collector.Kind, reason string) {
	writeJSON(w, status, collector.Result[struct{}]{Kind: kind, Reason: reason})
}

// statusFor maps the result envelope onto an HTTP status. Policy rejections
// arrive as successful NOT_COLLECTED results and therefore map to 200.
func statusFor(success bool, kind collector.Kind) int {
	if success {
		return http.StatusOK
	}
	switch kind {
	case collector.KindInvalidInput:
		return http.StatusBadRequest
	case collector.KindNotFound:
		return http.StatusNotFound
	case collector.KindDecode:
		return http.StatusUnprocessableEntity
	case collector.KindFetch:
		return http.StatusBadGateway
	case collector.KindLockTimeout:
		return http.StatusServiceUnavailable
	case collector.KindPolicyRejection:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
