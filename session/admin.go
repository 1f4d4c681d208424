package session

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// The admin api is a read-mostly json surface over the live server: status,
// session listings, user listings, kicks, and the ban list. Every endpoint
// requires an admin bearer token.

type statusResponse struct {
	Sessions  int       `json:"sessions"`
	Users     int       `json:"users"`
	Started   time.Time `json:"started"`
	UptimeSec int64     `json:"uptime_sec"`
}

type sessionResponse struct {
	*SessionRecord
	Users []SessionUser `json:"users"`
}

func (self *SessionServer) addAdminRoutes(router *mux.Router) {
	api := router.PathPrefix("/api").Subrouter()
	api.Use(self.requireAdmin)
	api.HandleFunc("/status", self.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/sessions", self.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions", self.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", self.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", self.handleCloseSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/users/{user}", self.handleKick).Methods(http.MethodDelete)
	api.HandleFunc("/bans", self.handleBans).Methods(http.MethodGet)
	api.HandleFunc("/bans", self.handleAddBan).Methods(http.MethodPost)
	api.HandleFunc("/bans/{name}", self.handleDeleteBan).Methods(http.MethodDelete)
}

func (self *SessionServer) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if err := self.auth.VerifyAdminToken(token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJson(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func (self *SessionServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions := self.Sessions()
	users := 0
	for _, s := range sessions {
		users += s.UserCount()
	}
	writeJson(w, http.StatusOK, &statusResponse{
		Sessions:  len(sessions),
		Users:     users,
		Started:   self.startTime,
		UptimeSec: int64(time.Since(self.startTime).Seconds()),
	})
}

func (self *SessionServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	responses := []*sessionResponse{}
	for _, s := range self.Sessions() {
		responses = append(responses, &sessionResponse{
			SessionRecord: s.Record(),
			Users:         s.Users(),
		})
	}
	writeJson(w, http.StatusOK, responses)
}

func (self *SessionServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	args := &struct {
		Title   string `json:"title"`
		Founder string `json:"founder"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, "bad session args", http.StatusBadRequest)
		return
	}
	s, err := self.CreateSession(args.Title, args.Founder)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJson(w, http.StatusCreated, s.Record())
}

func (self *SessionServer) handleSession(w http.ResponseWriter, r *http.Request) {
	s := self.Session(mux.Vars(r)["id"])
	if s == nil {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	writeJson(w, http.StatusOK, &sessionResponse{
		SessionRecord: s.Record(),
		Users:         s.Users(),
	})
}

func (self *SessionServer) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if !self.CloseSession(mux.Vars(r)["id"]) {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (self *SessionServer) handleKick(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s := self.Session(vars["id"])
	if s == nil {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	user, err := strconv.ParseUint(vars["user"], 10, 8)
	if err != nil {
		http.Error(w, "bad user id", http.StatusBadRequest)
		return
	}
	s.Kick(uint8(user))
	w.WriteHeader(http.StatusNoContent)
}

func (self *SessionServer) handleBans(w http.ResponseWriter, r *http.Request) {
	if self.store == nil {
		writeJson(w, http.StatusOK, []*BanRecord{})
		return
	}
	bans, err := self.store.Bans()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJson(w, http.StatusOK, bans)
}

func (self *SessionServer) handleAddBan(w http.ResponseWriter, r *http.Request) {
	if self.store == nil {
		http.Error(w, "no store", http.StatusServiceUnavailable)
		return
	}
	record := &BanRecord{}
	if err := json.NewDecoder(r.Body).Decode(record); err != nil || record.Name == "" {
		http.Error(w, "bad ban record", http.StatusBadRequest)
		return
	}
	record.Banned = time.Now()
	if err := self.store.PutBan(record); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJson(w, http.StatusCreated, record)
}

func (self *SessionServer) handleDeleteBan(w http.ResponseWriter, r *http.Request) {
	if self.store == nil {
		http.Error(w, "no store", http.StatusServiceUnavailable)
		return
	}
	if err := self.store.DeleteBan(mux.Vars(r)["name"]); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
