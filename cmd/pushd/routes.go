package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/3jakoa/bonibuddy-push/pkg/push"
)

func newRouter(svc *push.Service, store pushStorage, log *slog.Logger) http.Handler {
	h := &handlers{svc: svc, store: store, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Route("/push", func(r chi.Router) {
		r.Post("/subscriptions", h.register)
		r.Delete("/subscriptions", h.unregister)
	})
	r.Post("/internal/events/slot-published", h.slotPublished)

	return r
}

type handlers struct {
	svc   *push.Service
	store pushStorage
	log   *slog.Logger
}

type registerRequest struct {
	Subscription push.SubscriptionPayload `json:"subscription"`
	DeviceID     string                   `json:"device_id"`
	UserID       string                   `json:"user_id"`
	ClientMode   string                   `json:"client_mode"`
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.svc.RegisterSubscription(r.Context(), req.Subscription, req.DeviceID, req.UserID, req.ClientMode)
	if err != nil {
		if isValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error("failed to register subscription", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"subscription_id": id})
}

type unregisterRequest struct {
	DeviceID string `json:"device_id"`
	Endpoint string `json:"endpoint"`
}

func (h *handlers) unregister(w http.ResponseWriter, r *http.Request) {
	var req unregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	count, err := h.svc.UnregisterSubscription(r.Context(), req.DeviceID, req.Endpoint)
	if err != nil {
		if isValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error("failed to unregister subscription", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"deactivated": count})
}

type slotPublishedRequest struct {
	RestaurantID    string `json:"restaurant_id"`
	GoTime          string `json:"go_time"`
	PublisherUserID string `json:"publisher_user_id"`
	ExcludeDeviceID string `json:"exclude_device_id"`
}

func (h *handlers) slotPublished(w http.ResponseWriter, r *http.Request) {
	var req slotPublishedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.svc.CreateSlotPublishedEvent(r.Context(), push.CreateEventParams{
		RestaurantID:    req.RestaurantID,
		GoTime:          req.GoTime,
		PublisherUserID: req.PublisherUserID,
		ExcludeDeviceID: req.ExcludeDeviceID,
	})
	if err != nil {
		h.log.Error("failed to create slot published event", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func isValidationError(err error) bool {
	return errors.Is(err, push.ErrInvalidSubscription) ||
		errors.Is(err, push.ErrInvalidDeviceID) ||
		errors.Is(err, push.ErrInvalidClientMode) ||
		errors.Is(err, push.ErrMissingIdentifier)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
