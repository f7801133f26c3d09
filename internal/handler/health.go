package handler

import (
	"context"
	"net/http"
	"time"
)

// readyTimeout 單一就緒檢查的逾時
const readyTimeout = 2 * time.Second

// health 存活檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// ready 就緒檢查：任一依賴不可用時返回 503
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(h.deps.Checks))

	for _, c := range h.deps.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		err := c.Ping(ctx)
		cancel()

		if err != nil {
			status = http.StatusServiceUnavailable
			checks[c.Name] = err.Error()
			h.logger.WarnContext(r.Context(), "就緒檢查失敗", "check", c.Name, "error", err)
			continue
		}
		checks[c.Name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "unavailable"
	}
	h.jsonResponse(w, map[string]any{
		"status": state,
		"checks": checks,
	}, status)
}

// stats 本實例的連線統計
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	rooms := map[string]int{}
	if h.deps.Stats != nil {
		rooms = h.deps.Stats()
	}

	total := 0
	for _, n := range rooms {
		total += n
	}
	h.jsonResponse(w, map[string]any{
		"rooms":       rooms,
		"connections": total,
	}, http.StatusOK)
}
