package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"thoth-rooms/internal/auth"
	"thoth-rooms/internal/models"
	"thoth-rooms/internal/storage"
)

// RoomAnnouncer is told about directory changes; the hub implements it.
type RoomAnnouncer interface {
	AnnounceRooms(rooms []string)
}

// RoomsHandler serves the room directory and the paged history read.
type RoomsHandler struct {
	Directory storage.RoomDirectory
	History   storage.HistoryStore
	Announcer RoomAnnouncer

	defaultLimit int
	maxLimit     int
	log          *slog.Logger
}

func NewRoomsHandler(dir storage.RoomDirectory, history storage.HistoryStore, announcer RoomAnnouncer, defaultLimit, maxLimit int, log *slog.Logger) *RoomsHandler {
	return &RoomsHandler{
		Directory:    dir,
		History:      history,
		Announcer:    announcer,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		log:          log.With("component", "rooms"),
	}
}

type createRoomRequest struct {
	Name string `json:"name"`
}

// List handles GET /rooms.
func (h *RoomsHandler) List(w http.ResponseWriter, r *http.Request) {
	names, err := h.Directory.List(r.Context())
	if err != nil {
		h.log.Error("list rooms", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list rooms")
		return
	}
	writeJSON(w, http.StatusOK, names)
}

// Create handles POST /rooms and pushes the new list to every connection.
func (h *RoomsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body createRoomRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	name, err := models.NormalizeRoom(body.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = h.Directory.Create(r.Context(), name)
	switch {
	case errors.Is(err, models.ErrRoomExists):
		writeError(w, http.StatusConflict, "room already exists")
		return
	case err != nil:
		h.log.Error("create room", "room", name, "error", err)
		writeError(w, http.StatusInternalServerError, "could not create room")
		return
	}

	id, _ := auth.IdentityFrom(r.Context())
	h.log.Info("room created", "room", name, "user", id.Username)

	if names, err := h.Directory.List(r.Context()); err != nil {
		h.log.Error("list rooms after create", "error", err)
	} else if h.Announcer != nil {
		h.Announcer.AnnounceRooms(names)
	}
	writeJSON(w, http.StatusCreated, createRoomRequest{Name: name})
}

// Messages handles GET /rooms/{room}/messages?limit=N.
func (h *RoomsHandler) Messages(w http.ResponseWriter, r *http.Request) {
	room, err := models.NormalizeRoom(chi.URLParam(r, "room"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := h.defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > h.maxLimit {
		limit = h.maxLimit
	}

	msgs, err := h.History.List(r.Context(), room, limit)
	if err != nil {
		h.log.Error("read history", "room", room, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// Me handles GET /auth/me.
func Me(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]models.Identity{"user": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
