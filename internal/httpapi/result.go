package httpapi

import (
	"encoding/json"
	"net/http"
)

// 响应码与前端约定一致
const (
	ResultSuccess = 2000
	ResultError   = -1
)

// Result 所有接口共用的 JSON 信封
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

func respond[T any](w http.ResponseWriter, status int, body Result[T]) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondOK[T any](w http.ResponseWriter, status int, payload T) {
	respond(w, status, Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: payload})
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, Result[any]{Code: ResultError, Type: "error", Message: message})
}
