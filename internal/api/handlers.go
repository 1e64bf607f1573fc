package api

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/easelhq/easel/internal/db"
	"github.com/easelhq/easel/internal/session"
	"github.com/easelhq/easel/internal/signal"
)

type API struct {
	registry *session.Registry
	relay    *signal.Relay
	database *db.Database
}

func New(registry *session.Registry, relay *signal.Relay, database *db.Database) *API {
	return &API{
		registry: registry,
		relay:    relay,
		database: database,
	}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// errorResponse reports a failure as {"error": msg}. Domain errors all map
// to 500; clients key off the message string.
func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// MemberResponse is the wire shape for a session member.
type MemberResponse struct {
	Username            string `json:"username"`
	SessionName         string `json:"sessionName"`
	SecurityProfile     int    `json:"securityProfile"`
	SecurityProfileName string `json:"securityProfileName"`
	Active              bool   `json:"active"`
}

func memberResponse(sessionName string, m *session.Member) MemberResponse {
	return MemberResponse{
		Username:            m.Username,
		SessionName:         sessionName,
		SecurityProfile:     int(m.Role),
		SecurityProfileName: m.Role.String(),
		Active:              m.Active,
	}
}

func fingerprint(r *http.Request) session.Fingerprint {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return session.Fingerprint{
		UserAgent: r.UserAgent(),
		IPAddress: ip,
	}
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_sessions": a.registry.SessionCount(),
		"active_peers":    a.relay.EndpointCount(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		if count, err := a.database.SnapshotCount(); err == nil {
			stats["stored_snapshots"] = count
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// InitSessionHandler creates a session with the caller as sole owner and
// returns any previously stored platform snapshot for it.
func (a *API) InitSessionHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	username := r.FormValue("username")
	sessionName := r.FormValue("sessionName")
	if username == "" || sessionName == "" {
		errorResponse(w, http.StatusBadRequest, "username and sessionName are required")
		return
	}

	member, err := a.registry.Init(username, sessionName, fingerprint(r))
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Cannot create session, session name in use")
		return
	}

	var platformData json.RawMessage
	if a.database != nil {
		data, err := a.database.Load(sessionName)
		if err != nil {
			log.Printf("Snapshot load for %q failed: %v", sessionName, err)
		} else if data != nil {
			platformData = data
		}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"options":      memberResponse(sessionName, member),
		"platformData": platformData,
	})
}

// JoinSessionHandler admits a user and returns the member list for peer
// discovery.
func (a *API) JoinSessionHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	username := r.FormValue("username")
	sessionName := r.FormValue("sessionName")
	if username == "" || sessionName == "" {
		errorResponse(w, http.StatusBadRequest, "username and sessionName are required")
		return
	}

	member, members, err := a.registry.Join(username, sessionName, fingerprint(r))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			errorResponse(w, http.StatusInternalServerError, "Could not connect to session, session not found")
		case errors.Is(err, session.ErrUsernameInUse):
			errorResponse(w, http.StatusInternalServerError, "Could not connect to session, username in use")
		case errors.Is(err, session.ErrUserBooted):
			errorResponse(w, http.StatusInternalServerError, "You have been booted from the session, please try again later")
		case errors.Is(err, session.ErrUserBanned):
			errorResponse(w, http.StatusInternalServerError, "You have been banned from the session, please go away")
		default:
			errorResponse(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	users := make(map[string]MemberResponse, len(members))
	for _, m := range members {
		users[m.Username] = memberResponse(sessionName, m)
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"options": memberResponse(sessionName, member),
		"users":   users,
	})
}

// LeaveSessionHandler marks the member inactive; the registry destroys the
// session when no active owner remains.
func (a *API) LeaveSessionHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	username := r.FormValue("username")
	sessionName := r.FormValue("sessionName")
	if username == "" || sessionName == "" {
		errorResponse(w, http.StatusBadRequest, "username and sessionName are required")
		return
	}

	if err := a.registry.Leave(username, sessionName); err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{})
}

// CheckSessionOwnersHandler reports how many other active owners a session
// has, so a sole owner can be warned before leaving.
func (a *API) CheckSessionOwnersHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	username := r.FormValue("username")
	sessionName := r.FormValue("sessionName")

	count, err := a.registry.CountOtherOwners(sessionName, username)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	jsonResponse(w, http.StatusOK, map[string]int{"count": count})
}

// BanUserHandler permanently bans the target from the session.
func (a *API) BanUserHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	requester := r.FormValue("requester")
	username := r.FormValue("username")
	sessionName := r.FormValue("sessionName")
	if requester == "" || username == "" || sessionName == "" {
		errorResponse(w, http.StatusBadRequest, "requester, username and sessionName are required")
		return
	}

	if err := a.registry.Ban(requester, username, sessionName); err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": username + " was banned"})
}

// BootUserHandler removes the target from the session until the cooldown
// expires.
func (a *API) BootUserHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	requester := r.FormValue("requester")
	username := r.FormValue("username")
	sessionName := r.FormValue("sessionName")
	if requester == "" || username == "" || sessionName == "" {
		errorResponse(w, http.StatusBadRequest, "requester, username and sessionName are required")
		return
	}

	if err := a.registry.Boot(requester, username, sessionName); err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": username + " was booted"})
}

// UnbanUserHandler revokes a ban so the target may rejoin.
func (a *API) UnbanUserHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	requester := r.FormValue("requester")
	username := r.FormValue("username")
	sessionName := r.FormValue("sessionName")
	if requester == "" || username == "" || sessionName == "" {
		errorResponse(w, http.StatusBadRequest, "requester, username and sessionName are required")
		return
	}

	if err := a.registry.Unban(requester, username, sessionName); err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": username + " was unbanned"})
}

// SaveToDbHandler upserts a platform snapshot for a session.
func (a *API) SaveToDbHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	sessionName := r.FormValue("sessionName")
	platformData := r.FormValue("platformData")
	if sessionName == "" || platformData == "" {
		errorResponse(w, http.StatusBadRequest, "sessionName and platformData are required")
		return
	}

	if err := a.database.Save(sessionName, []byte(platformData)); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to save snapshot")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{})
}
