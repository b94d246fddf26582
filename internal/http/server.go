package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/mapflow/mapflow/internal/log"
	"github.com/mapflow/mapflow/pkg/storage"
)

// StartServer exposes a read-only view of job state on localhost. It never
// mutates anything; runs and resumes stay CLI-only.
func StartServer(port string, store storage.Store) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/jobs", JobsHandler(store))
	mux.HandleFunc("/jobs/", JobByIDHandler(store))

	log.GetLogger().Infof("Starting mapflow status server on 127.0.0.1:%s", port)
	return http.ListenAndServe("127.0.0.1:"+port, mux)
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "mapflow status server is running")
}

func JobsHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		jobs, err := store.ListJobs()
		if err != nil {
			log.GetLogger().Errorf("Failed to list jobs: %v", err)
			http.Error(w, fmt.Sprintf("Failed to list jobs: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, jobs)
	}
}

// JobByIDHandler serves /jobs/{id}, /jobs/{id}/checkpoint and /jobs/{id}/dlq.
func JobByIDHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
		id, sub, _ := strings.Cut(rest, "/")
		if id == "" {
			http.Error(w, "Missing job id", http.StatusBadRequest)
			return
		}
		switch sub {
		case "":
			job, err := store.GetJob(id)
			if respondStoreErr(w, err, "job", id) {
				return
			}
			writeJSON(w, job)
		case "checkpoint":
			ckpt, err := store.GetCheckpoint(id)
			if respondStoreErr(w, err, "checkpoint", id) {
				return
			}
			writeJSON(w, ckpt)
		case "dlq":
			entries, err := store.ListDLQ(id)
			if respondStoreErr(w, err, "dlq", id) {
				return
			}
			writeJSON(w, entries)
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	}
}

func respondStoreErr(w http.ResponseWriter, err error, what, id string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, fmt.Sprintf("No %s for job %s", what, id), http.StatusNotFound)
		return true
	}
	log.GetLogger().Errorf("Failed to load %s for job %s: %v", what, id, err)
	http.Error(w, fmt.Sprintf("Failed to load %s: %v", what, err), http.StatusInternalServerError)
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
