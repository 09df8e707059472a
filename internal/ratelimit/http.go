package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// SetHeaders advertises the quota state of an allowed attempt.
func SetHeaders(w http.ResponseWriter, res Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(res.ResetInSeconds))
}

// Reject writes a 429 with Retry-After set to the seconds left in the window.
func Reject(w http.ResponseWriter, res Result) {
	SetHeaders(w, res)
	w.Header().Set("Retry-After", strconv.Itoa(res.ResetInSeconds))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": fmt.Sprintf("Too many requests. Try again in %ds.", res.ResetInSeconds),
	})
}
