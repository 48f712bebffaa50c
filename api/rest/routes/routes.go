package routes

import (
	"github.com/gorilla/mux"

	"transcribe-orchestrator/api/rest/handlers"
	"transcribe-orchestrator/core/registry"
	"transcribe-orchestrator/core/scheduler"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, reg *registry.Registry, sched *scheduler.Scheduler) {
	statusHandler := handlers.NewStatusHandler(reg, sched)

	r.HandleFunc("/healthz", statusHandler.Healthz).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/status", statusHandler.GetStatus).Methods("GET")
	api.HandleFunc("/workers", statusHandler.ListWorkers).Methods("GET")
}
