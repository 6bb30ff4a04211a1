package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/execution"
	"github.com/manpreetbhatti/coderoom/internal/ws"
)

type API struct {
	hub      *ws.Hub
	database *db.Database
}

// New builds the REST surface. database may be nil, in which case history
// endpoints report 503.
func New(hub *ws.Hub, database *db.Database) *API {
	return &API{
		hub:      hub,
		database: database,
	}
}

// Routes mounts every endpoint, with the websocket transport at /ws, behind
// the CORS middleware.
func (a *API) Routes(transport http.Handler) http.Handler {
	router := httprouter.New()

	router.GET("/health", a.HealthHandler)
	router.GET("/api/stats", a.StatsHandler)
	router.GET("/api/languages", a.LanguagesHandler)
	router.GET("/api/rooms", a.ListRoomsHandler)
	router.GET("/api/rooms/:id", a.GetRoomHandler)
	router.GET("/api/rooms/:id/runs", a.ListRunsHandler)
	if transport != nil {
		router.Handler(http.MethodGet, "/ws", transport)
	}

	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusNotFound, "Not found")
	})

	return corsMiddleware(router)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"active_users":   a.hub.GetUserCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_rooms"] = dbStats["room_count"]
			stats["total_runs"] = dbStats["run_count"]
			stats["failed_runs"] = dbStats["failed_run_count"]
		} else {
			log.Printf("Failed to read history stats: %v", err)
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

func (a *API) LanguagesHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"languages": execution.Languages(),
		"default":   execution.DefaultLanguageID,
	})
}

// Room handlers

type RoomResponse struct {
	ws.RoomSummary
	PeakParticipants int `json:"peak_participants,omitempty"`
	RunCount         int `json:"run_count"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rooms := a.hub.GetActiveRooms()
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms": rooms,
		"total": len(rooms),
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("id")

	summary, ok := a.hub.GetRoom(roomID)
	if !ok {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	response := RoomResponse{RoomSummary: summary}
	if a.database != nil {
		count, err := a.database.GetRunCount(roomID)
		if err != nil {
			log.Printf("Failed to count runs for room %s: %v", roomID, err)
		}
		response.RunCount = count
		if session, err := a.database.GetRoomSession(roomID); err == nil && session != nil {
			response.PeakParticipants = session.PeakParticipants
		}
	}

	jsonResponse(w, http.StatusOK, response)
}

// Run history handlers

type RunResponse struct {
	db.Run
	DurationMs int64 `json:"duration_ms"`
}

func (a *API) ListRunsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if a.database == nil {
		errorResponse(w, http.StatusServiceUnavailable, "History is disabled")
		return
	}

	roomID := ps.ByName("id")

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	runs, err := a.database.ListRuns(roomID, limit, offset)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	response := make([]RunResponse, len(runs))
	for i, run := range runs {
		response[i] = RunResponse{Run: run, DurationMs: run.Duration.Milliseconds()}
	}

	total, err := a.database.GetRunCount(roomID)
	if err != nil {
		log.Printf("Failed to count runs for room %s: %v", roomID, err)
		errorResponse(w, http.StatusInternalServerError, "Failed to count runs")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"runs":   response,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}
