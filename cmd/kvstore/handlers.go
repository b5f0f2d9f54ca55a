package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/IlyasIsHere/kvstore"
)

// statser is implemented by stores that can report Stats.
type statser interface {
	Stats() (kvstore.Stats, error)
}

// This is the request handler for the get URL.
func getHandler(store kvstore.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Invalid request type", http.StatusMethodNotAllowed)
			return
		}

		key := r.URL.Query().Get("key")
		if len(key) == 0 {
			http.Error(w, "Key must not be empty", http.StatusBadRequest)
			return
		}

		v, err := store.Get(key)
		if err != nil {
			if errors.Is(err, kvstore.ErrKeyNotFound) {
				http.Error(w, "Key not found", http.StatusNotFound)
				return
			}
			serverError(w, logger, "get", key, err)
			return
		}

		// We reach here if the error is nil, which means the value was found
		fmt.Fprint(w, v)
	}
}

type KeyValue struct {
	Key   string
	Value string
}

func setHandler(store kvstore.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request type", http.StatusMethodNotAllowed)
			return
		}

		var entry KeyValue
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if len(entry.Key) == 0 {
			http.Error(w, "Key must not be empty", http.StatusBadRequest)
			return
		}

		if err := store.Set(entry.Key, entry.Value); err != nil {
			serverError(w, logger, "set", entry.Key, err)
			return
		}
		fmt.Fprint(w, "OK")
	}
}

func rmHandler(store kvstore.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "Invalid request type", http.StatusMethodNotAllowed)
			return
		}

		key := r.URL.Query().Get("key")
		if len(key) == 0 {
			http.Error(w, "Key must not be empty", http.StatusBadRequest)
			return
		}

		if err := store.Rm(key); err != nil {
			serverError(w, logger, "rm", key, err)
			return
		}
		fmt.Fprint(w, "OK")
	}
}

func statsHandler(store kvstore.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := store.(statser)
		if !ok {
			http.Error(w, "Stats not supported", http.StatusNotImplemented)
			return
		}

		stats, err := s.Stats()
		if err != nil {
			serverError(w, logger, "stats", "", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			logger.Warn("failed to write stats", zap.Error(err))
		}
	}
}

func serverError(w http.ResponseWriter, logger *zap.Logger, op, key string, err error) {
	logger.Error("request failed", zap.String("op", op), zap.String("key", key), zap.Error(err))

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, kvstore.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, kvstore.ErrStorageFull):
		status = http.StatusInsufficientStorage
	}
	http.Error(w, "Some error happened.", status)
}

func newMux(store kvstore.Store, logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/get", getHandler(store, logger))
	mux.HandleFunc("/set", setHandler(store, logger))
	mux.HandleFunc("/rm", rmHandler(store, logger))
	mux.HandleFunc("/stats", statsHandler(store, logger))
	return mux
}
