package operatord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"commitchain/native/checkpoint"
	"commitchain/native/swap"
)

// RouterConfig wires the operations endpoints.
type RouterConfig struct {
	DB          *gorm.DB
	Checkpoints *checkpoint.Builder
	Swaps       *swap.Engine
	Scheduler   *Scheduler
}

// NewRouter serves health, metrics, checkpoint status, the open swap book and
// manual task runs.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := ping(ctx, cfg.DB); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/checkpoints/{eon}", func(w http.ResponseWriter, req *http.Request) {
			number, ok := eonParam(w, req)
			if !ok {
				return
			}
			status, err := cfg.Checkpoints.Status(req.Context(), number)
			switch {
			case errors.Is(err, checkpoint.ErrNotFound):
				writeError(w, http.StatusNotFound, err)
			case err != nil:
				writeError(w, http.StatusInternalServerError, err)
			default:
				writeJSON(w, http.StatusOK, status)
			}
		})
		v1.Get("/swaps/{eon}/book", func(w http.ResponseWriter, req *http.Request) {
			number, ok := eonParam(w, req)
			if !ok {
				return
			}
			book, err := cfg.Swaps.Book(req.Context(), number)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, book)
		})
		v1.Get("/tasks", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, cfg.Scheduler.Statuses())
		})
		v1.Post("/tasks/{name}/run", func(w http.ResponseWriter, req *http.Request) {
			name := chi.URLParam(req, "name")
			err := cfg.Scheduler.Run(req.Context(), name)
			switch {
			case errors.Is(err, ErrUnknownTask):
				writeError(w, http.StatusNotFound, err)
			case errors.Is(err, ErrTaskBusy):
				writeError(w, http.StatusConflict, err)
			case err != nil:
				writeError(w, http.StatusInternalServerError, err)
			default:
				writeJSON(w, http.StatusOK, map[string]string{"task": name, "status": "completed"})
			}
		})
	})
	return r
}

func eonParam(w http.ResponseWriter, req *http.Request) (uint64, bool) {
	number, err := strconv.ParseUint(chi.URLParam(req, "eon"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("eon must be a non-negative integer"))
		return 0, false
	}
	return number, true
}

func ping(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("database not configured")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
