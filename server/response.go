package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wfunc/quizroom/logger"
	"github.com/wfunc/quizroom/room"
)

type errorResponse struct {
	Error string `json:"error"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debugf("Failed to write response: %v", err)
	}
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Log.Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor 把引擎错误映射为 HTTP 状态码。提交到不存在的房间同时匹配
// ErrInvalidState 和 ErrNotFound，按 400 返回
func statusFor(err error) int {
	switch {
	case errors.Is(err, room.ErrInvalidState), errors.Is(err, room.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, room.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, room.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
