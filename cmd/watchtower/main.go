// Command watchtower is the process entry point: it loads
// configuration, opens the store, wires the Engine, seeds endpoints
// from an optional bootstrap file, and serves a minimal HTTP
// transport over it. Grounded on gregyjames-NanoStatus/main.go's
// wiring order (init storage, schedule background jobs, serve HTTP)
// and handlers.go's apiSSE for the event stream; the REST surface here
// is a demonstration transport only — spec.md §1/§6 scope the session
// protocol and full REST API as Non-goals, so this exists to prove the
// Engine works end to end, not as the product surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"watchtower/internal/config"
	"watchtower/internal/engine"
	"watchtower/internal/metrics"
	"watchtower/internal/model"
	"watchtower/internal/seed"
	"watchtower/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("[Watchtower] failed to load configuration")
	}

	metrics.Init()

	st, err := store.Open(cfg.DatabaseURL, store.DefaultPoolConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("[Watchtower] failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("[Watchtower] error closing store")
		}
	}()

	if path := os.Getenv("WATCHTOWER_ENDPOINTS_FILE"); path != "" {
		if err := seed.FromFile(context.Background(), st, path); err != nil {
			log.Error().Err(err).Msg("[Watchtower] failed to seed endpoints from file")
		}
	}

	eng, err := engine.New(cfg, st)
	if err != nil {
		log.Fatal().Err(err).Msg("[Watchtower] failed to construct engine")
	}

	ctx := context.Background()
	if err := eng.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("[Watchtower] failed to start engine")
	}

	srv := newServer(eng)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("[Watchtower] serving HTTP")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("[Watchtower] HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("[Watchtower] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("[Watchtower] error shutting down HTTP server")
	}
	eng.Shutdown()
}

func newServer(eng *engine.Engine) *http.Server {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/endpoints", endpointsHandler(eng))
	mux.HandleFunc("/api/endpoints/", endpointHandler(eng))
	mux.HandleFunc("/api/statuses", statusesHandler(eng))
	mux.HandleFunc("/api/stream", streamHandler(eng))

	return &http.Server{
		Addr:              ":" + port,
		Handler:           withCORS(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// endpointsHandler serves GET (list) and POST (create) on /api/endpoints.
func endpointsHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		w.Header().Set("Content-Type", "application/json")

		switch r.Method {
		case http.MethodGet:
			eps, err := eng.ListEndpoints(ctx)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			json.NewEncoder(w).Encode(eps)

		case http.MethodPost:
			var ep model.Endpoint
			if err := json.NewDecoder(r.Body).Decode(&ep); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			created, err := eng.AddEndpoint(ctx, ep)
			if err != nil {
				writeEndpointError(w, err)
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(created)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// endpointHandler serves GET, PUT, PATCH, and DELETE on
// /api/endpoints/{id}.
func endpointHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		w.Header().Set("Content-Type", "application/json")

		idStr := strings.TrimPrefix(r.URL.Path, "/api/endpoints/")
		id, err := uuid.Parse(idStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid endpoint id"))
			return
		}

		switch r.Method {
		case http.MethodGet:
			ep, err := eng.GetEndpoint(ctx, id)
			if err != nil {
				writeEndpointError(w, err)
				return
			}
			json.NewEncoder(w).Encode(ep)

		case http.MethodPut:
			var ep model.Endpoint
			if err := json.NewDecoder(r.Body).Decode(&ep); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			ep.ID = id
			updated, err := eng.UpdateEndpoint(ctx, ep)
			if err != nil {
				writeEndpointError(w, err)
				return
			}
			json.NewEncoder(w).Encode(updated)

		case http.MethodPatch:
			var body struct {
				Enabled bool `json:"enabled"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			updated, err := eng.ToggleEndpoint(ctx, id, body.Enabled)
			if err != nil {
				writeEndpointError(w, err)
				return
			}
			json.NewEncoder(w).Encode(updated)

		case http.MethodDelete:
			ok, err := eng.DeleteEndpoint(ctx, id)
			if err != nil {
				writeEndpointError(w, err)
				return
			}
			if !ok {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func statusesHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		statuses, err := eng.GetAllUptimeStatuses(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statuses)
	}
}

// streamHandler is an SSE endpoint over the Live Event Bus, in the
// shape of gregyjames-NanoStatus/handlers.go's apiSSE: a per-client
// subscription, an initial "connected" frame, and a select loop that
// forwards bus events and periodic keepalives until the client
// disconnects.
func streamHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		clientID := fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano())
		sub, err := eng.Bus().Subscribe(clientID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer eng.Bus().Unsubscribe(clientID)

		if endpointID := r.URL.Query().Get("endpoint_id"); endpointID != "" {
			eng.Bus().JoinEndpointRoom(clientID, endpointID)
		}

		fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n")
		flusher.Flush()

		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-sub.Send:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					log.Error().Err(err).Msg("[Watchtower] failed to marshal event")
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
				eng.Bus().Touch(clientID)
			case <-ticker.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}

func writeEndpointError(w http.ResponseWriter, err error) {
	var notFound *model.NotFoundError
	var validation *model.ValidationError
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &validation), errors.Is(err, model.ErrNameTaken):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
