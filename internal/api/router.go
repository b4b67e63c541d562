package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("POST /v1/messages", h.CreateMessage)
	mux.HandleFunc("POST /v1/messages/batch", h.CreateMessages)
	mux.HandleFunc("GET /v1/messages", h.ListMessages)
	mux.HandleFunc("GET /v1/messages/{id}", h.GetMessage)

	mux.HandleFunc("GET /v1/dead-letters", h.ListDeadLetters)
	mux.HandleFunc("POST /v1/dead-letters/{id}/replay", h.ReplayDeadLetter)
	mux.HandleFunc("DELETE /v1/dead-letters/{id}", h.DeleteDeadLetter)
	mux.HandleFunc("DELETE /v1/dead-letters", h.PurgeDeadLetters)

	mux.HandleFunc("GET /v1/circuits", h.Circuits)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/webhooks/{provider}", h.Webhook)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("dispatcher"))
	})

	return mux
}
