package handlers

import (
	"database/sql"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/crosspost-labs/crosspost/backend/internal/credstore"
	"github.com/crosspost-labs/crosspost/backend/internal/models"
	"github.com/crosspost-labs/crosspost/backend/internal/social"
	"github.com/crosspost-labs/crosspost/backend/internal/storage"
)

type Handler struct {
	db       *sql.DB
	store    *credstore.Store
	registry *social.Registry
	media    storage.Store
	rt       *realtimeHub
	logger   *log.Logger
}

func New(db *sql.DB, media storage.Store, client *http.Client) *Handler {
	h := &Handler{
		db:     db,
		store:  credstore.New(db),
		media:  media,
		rt:     newRealtimeHub(),
		logger: log.Default(),
	}
	h.registry = social.NewRegistry(h.store, client, h.logger, h.onSessionEvent)
	return h
}

// Registry exposes the provider registry for background jobs (cron sweeps).
func (h *Handler) Registry() *social.Registry { return h.registry }

func (h *Handler) Store() *credstore.Store { return h.store }

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Users ---

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "email_required")
		return
	}

	u := models.User{ID: uuid.NewString(), Email: req.Email, Name: req.Name}
	err := h.db.QueryRowContext(r.Context(), `
		INSERT INTO public.users (id, email, name, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, created_at
	`, u.ID, u.Email, u.Name).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		h.logger.Printf("[Users] create_failed email=%s err=%v", req.Email, err)
		writeError(w, http.StatusInternalServerError, "user_create_failed")
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	var u models.User
	err := h.db.QueryRowContext(r.Context(),
		`SELECT id, email, name, image_url, created_at FROM public.users WHERE id=$1`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.ImageURL, &u.CreatedAt)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "user_lookup_failed")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// --- Platform credentials ---

// UpsertCredentials stores the user's own app credentials for a platform
// (client id/secret, API key, or app password depending on the service).
func (h *Handler) UpsertCredentials(w http.ResponseWriter, r *http.Request) {
	service := pathVar(r, "service")
	userID := pathVar(r, "userId")
	if h.registry.Provider(service) == nil {
		writeError(w, http.StatusNotFound, "unknown_service")
		return
	}

	var creds models.Credentials
	if err := decodeJSON(r, &creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := h.store.PutCredentials(r.Context(), userID, service, &creds); err != nil {
		h.logger.Printf("[Creds] store_failed service=%s userId=%s err=%v", service, userID, err)
		writeError(w, http.StatusInternalServerError, "credentials_store_failed")
		return
	}
	configured, err := h.registry.Provider(service).IsConfigured(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "credentials_check_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"service": service, "configured": configured})
}

// GetCredentialsStatus never returns secrets, only which fields are set.
func (h *Handler) GetCredentialsStatus(w http.ResponseWriter, r *http.Request) {
	service := pathVar(r, "service")
	userID := pathVar(r, "userId")
	p := h.registry.Provider(service)
	if p == nil {
		writeError(w, http.StatusNotFound, "unknown_service")
		return
	}
	creds, err := h.store.GetCredentials(r.Context(), userID, service)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "credentials_lookup_failed")
		return
	}
	resp := map[string]interface{}{
		"service":    service,
		"configured": false,
		"fields":     map[string]bool{},
	}
	if creds != nil {
		configured, _ := p.IsConfigured(r.Context(), userID)
		resp["configured"] = configured
		resp["fields"] = map[string]bool{
			"clientId":     creds.ClientID != "",
			"clientSecret": creds.ClientSecret != "",
			"apiKey":       creds.APIKey != "",
			"identifier":   creds.Identifier != "",
			"appPassword":  creds.AppPassword != "",
			"oauth1":       creds.ConsumerKey != "",
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Authorization flow ---

// Authorize starts the OAuth redirect flow: responds with the platform
// authorization URL for the frontend to navigate to.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	service := pathVar(r, "service")
	userID := pathVar(r, "userId")
	p := h.registry.Provider(service)
	if p == nil {
		writeError(w, http.StatusNotFound, "unknown_service")
		return
	}

	redirectURI := publicOrigin(r) + "/callback/social/" + service
	authURL, err := p.AuthorizationURL(r.Context(), userID, redirectURI)
	if err != nil {
		if social.KindOf(err) == social.KindConfiguration {
			writeError(w, http.StatusPreconditionFailed, err.Error())
			return
		}
		h.logger.Printf("[Auth] authorize_failed service=%s userId=%s err=%v", service, userID, err)
		writeError(w, http.StatusInternalServerError, "authorize_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": authURL})
}

// AuthCallback is the platform redirect target. On success the browser is
// sent back to the frontend; unknown or expired states redirect with an
// error marker rather than surfacing a 4xx to the user.
func (h *Handler) AuthCallback(w http.ResponseWriter, r *http.Request) {
	service := pathVar(r, "service")
	p := h.registry.Provider(service)
	if p == nil {
		writeError(w, http.StatusNotFound, "unknown_service")
		return
	}

	handled, err := p.HandleAuthRedirect(r.Context(), r.URL.Query())
	dest := frontendURL() + "/settings/connections?service=" + url.QueryEscape(service)
	switch {
	case err != nil:
		h.logger.Printf("[Auth] callback_failed service=%s err=%v", service, err)
		dest += "&status=error&reason=" + url.QueryEscape(string(social.KindOf(err)))
	case !handled:
		dest += "&status=ignored"
	default:
		dest += "&status=connected"
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

func frontendURL() string {
	if u := strings.TrimRight(os.Getenv("FRONTEND_URL"), "/"); u != "" {
		return u
	}
	return "http://localhost:3000"
}

// --- Connection status ---

func (h *Handler) ServiceStatus(w http.ResponseWriter, r *http.Request) {
	service := pathVar(r, "service")
	userID := pathVar(r, "userId")
	p := h.registry.Provider(service)
	if p == nil {
		writeError(w, http.StatusNotFound, "unknown_service")
		return
	}
	configured, err := p.IsConfigured(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status_lookup_failed")
		return
	}
	authorized, err := p.IsAuthorized(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status_lookup_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":    service,
		"configured": configured,
		"authorized": authorized,
	})
}

// Connections reports every supported service with its connection state.
func (h *Handler) Connections(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	connected, err := h.store.ListConnectedServices(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "connections_lookup_failed")
		return
	}
	out := make([]map[string]interface{}, 0, len(social.ServiceNames))
	for _, p := range h.registry.Providers() {
		configured, err := p.IsConfigured(r.Context(), userID)
		if err != nil {
			h.logger.Printf("[Status] configured_lookup_failed service=%s userId=%s err=%v", p.Name(), userID, err)
		}
		authorized, err := p.IsAuthorized(r.Context(), userID)
		if err != nil {
			h.logger.Printf("[Status] authorized_lookup_failed service=%s userId=%s err=%v", p.Name(), userID, err)
		}
		out = append(out, map[string]interface{}{
			"service":    p.Name(),
			"configured": configured,
			"authorized": authorized,
			"connected":  lo.Contains(connected, p.Name()),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Accounts(w http.ResponseWriter, r *http.Request) {
	service := pathVar(r, "service")
	userID := pathVar(r, "userId")
	if h.registry.Provider(service) == nil {
		writeError(w, http.StatusNotFound, "unknown_service")
		return
	}
	accounts, err := h.store.GetAccounts(r.Context(), userID, service)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "accounts_lookup_failed")
		return
	}
	if accounts == nil {
		accounts = []models.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	service := pathVar(r, "service")
	userID := pathVar(r, "userId")
	p := h.registry.Provider(service)
	if p == nil {
		writeError(w, http.StatusNotFound, "unknown_service")
		return
	}
	if err := p.Disconnect(r.Context(), userID); err != nil {
		h.logger.Printf("[Auth] disconnect_failed service=%s userId=%s err=%v", service, userID, err)
		writeError(w, http.StatusInternalServerError, "disconnect_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// SessionStatus reports the in-flight (or last finished) upload session for
// one (user, service).
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	service := pathVar(r, "service")
	userID := pathVar(r, "userId")
	if h.registry.Provider(service) == nil {
		writeError(w, http.StatusNotFound, "unknown_service")
		return
	}
	snap := h.registry.Sessions().Status(userID, service)
	if snap == nil {
		writeError(w, http.StatusNotFound, "no_session")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// SocialLibrary lists the posts this system has published for the user.
func (h *Handler) SocialLibrary(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	rows, err := h.db.QueryContext(r.Context(), `
		SELECT id, network, content_type, COALESCE(title,''), COALESCE(permalink_url,''), external_id, posted_at
		  FROM public.social_libraries
		 WHERE user_id=$1
		 ORDER BY posted_at DESC
		 LIMIT 200
	`, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "library_lookup_failed")
		return
	}
	defer rows.Close()

	type item struct {
		ID          string    `json:"id"`
		Network     string    `json:"network"`
		ContentType string    `json:"contentType"`
		Title       string    `json:"title,omitempty"`
		Permalink   string    `json:"permalink,omitempty"`
		ExternalID  string    `json:"externalId"`
		PostedAt    time.Time `json:"postedAt"`
	}
	out := make([]item, 0, 32)
	for rows.Next() {
		var it item
		if err := rows.Scan(&it.ID, &it.Network, &it.ContentType, &it.Title, &it.Permalink, &it.ExternalID, &it.PostedAt); err != nil {
			writeError(w, http.StatusInternalServerError, "library_scan_failed")
			return
		}
		out = append(out, it)
	}
	writeJSON(w, http.StatusOK, out)
}
