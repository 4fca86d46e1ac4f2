package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/got3nks/amule-web-controller-sub002/internal/adapter"
	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
	"github.com/got3nks/amule-web-controller-sub002/internal/auth"
	"github.com/got3nks/amule-web-controller-sub002/internal/config"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
	"github.com/got3nks/amule-web-controller-sub002/internal/registry"
	"github.com/got3nks/amule-web-controller-sub002/internal/user"
	"github.com/got3nks/amule-web-controller-sub002/internal/wshub"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// bearerClaims authenticates the plain-JSON admin APIs (spec.md §6.2's
// "/api/users CRUD (admin-only JSON)") against the same JWT session the
// WebSocket hub issues, via the Authorization: Bearer header rather than
// the hub's signed cookie.
func bearerClaims(r *http.Request, gate *auth.Gate) (*auth.Claims, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return nil, false
	}
	claims, err := gate.Validate(strings.TrimPrefix(h, "Bearer "))
	if err != nil {
		return nil, false
	}
	return claims, true
}

func requireAdmin(w http.ResponseWriter, r *http.Request, gate *auth.Gate, authEnabled bool) bool {
	if !authEnabled {
		return true
	}
	claims, ok := bearerClaims(r, gate)
	if !ok || !claims.IsAdmin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

// registerAuthAPI mounts the login/logout surface that actually drives
// auth.Gate: POST /api/login turns a username+password into the signed
// amule.sid cookie wshub.Hub.authenticate expects, and POST /api/logout
// revokes it (spec.md §4.9 C9/C10).
func registerAuthAPI(mux *http.ServeMux, gate *auth.Gate, cfg *config.Config, sessionTTL time.Duration) {
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		token, u, err := gate.Login(ctx, clientIP(r, cfg.Server.Auth.TrustedProxy), creds.Username, creds.Password)
		if err != nil {
			writeAPIErr(w, err)
			return
		}
		wshub.SetSessionCookie(w, []byte(cfg.Server.Auth.SessionSecret), token, sessionTTL)
		writeJSON(w, map[string]any{"username": u.Username, "isAdmin": u.IsAdmin, "capabilities": u.Capabilities})
	})

	mux.HandleFunc("/api/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if cookie, err := r.Cookie(wshub.SessionCookieName); err == nil {
			if token, ok := wshub.ParseSessionToken([]byte(cfg.Server.Auth.SessionSecret), cookie.Value); ok {
				_ = gate.Logout(token)
			}
		}
		wshub.ClearSessionCookie(w)
		writeJSON(w, map[string]any{"ok": true})
	})
}

// clientIP extracts the request's origin IP for the rate limiter,
// trusting X-Forwarded-For only when the immediate peer address falls
// inside one of the configured trusted-proxy CIDRs (spec.md §6.3's
// server.auth.trustedProxy setting); otherwise the TCP peer address is
// authoritative.
func clientIP(r *http.Request, trusted config.TrustedProxyConfig) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !trusted.Enabled {
		return host
	}
	peer := net.ParseIP(host)
	if peer == nil || !ipWithinAny(peer, trusted.CIDRs) {
		return host
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	return host
}

func ipWithinAny(ip net.IP, cidrs []string) bool {
	for _, c := range cidrs {
		if _, n, err := net.ParseCIDR(c); err == nil && n.Contains(ip) {
			return true
		}
	}
	return false
}

type userPayload struct {
	ID           int64              `json:"id,omitempty"`
	Username     string             `json:"username"`
	Password     string             `json:"password,omitempty"`
	IsAdmin      bool               `json:"isAdmin"`
	Capabilities []model.Capability `json:"capabilities"`
	Disabled     bool               `json:"disabled"`
}

// registerUsersAPI mounts the admin-only user management surface
// (spec.md §6.2): list/create/patch/delete, all gated by an admin JWT.
func registerUsersAPI(mux *http.ServeMux, users *user.Store, gate *auth.Gate, cfg *config.Config) {
	mux.HandleFunc("/api/users", func(w http.ResponseWriter, r *http.Request) {
		if !requireAdmin(w, r, gate, cfg.Server.Auth.Enabled) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		switch r.Method {
		case http.MethodGet:
			list, err := users.List(ctx)
			if err != nil {
				writeAPIErr(w, err)
				return
			}
			writeJSON(w, list)
		case http.MethodPost:
			var p userPayload
			if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
				http.Error(w, "invalid body", http.StatusBadRequest)
				return
			}
			if err := auth.ValidatePassword(p.Password); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			hash, err := auth.HashPassword(p.Password)
			if err != nil {
				writeAPIErr(w, err)
				return
			}
			u := model.User{Username: p.Username, IsAdmin: p.IsAdmin, Capabilities: p.Capabilities}
			id, err := users.Create(ctx, u, hash)
			if err != nil {
				writeAPIErr(w, err)
				return
			}
			writeJSON(w, map[string]any{"id": id})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/users/", func(w http.ResponseWriter, r *http.Request) {
		if !requireAdmin(w, r, gate, cfg.Server.Auth.Enabled) {
			return
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/users/"), 10, 64)
		if err != nil {
			http.Error(w, "invalid user id", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		switch r.Method {
		case http.MethodPatch:
			var p userPayload
			if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
				http.Error(w, "invalid body", http.StatusBadRequest)
				return
			}
			if p.Password != "" {
				if err := auth.ValidatePassword(p.Password); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				hash, err := auth.HashPassword(p.Password)
				if err != nil {
					writeAPIErr(w, err)
					return
				}
				if err := users.UpdatePassword(ctx, id, hash); err != nil {
					writeAPIErr(w, err)
					return
				}
			}
			if r.Header.Get("X-Capabilities-Set") != "" || len(p.Capabilities) > 0 {
				if err := users.UpdateCapabilities(ctx, id, p.Capabilities); err != nil {
					writeAPIErr(w, err)
					return
				}
			}
			if err := users.SetDisabled(ctx, id, p.Disabled); err != nil {
				writeAPIErr(w, err)
				return
			}
			_ = gate.InvalidateUser(id)
			writeJSON(w, map[string]any{"ok": true})
		case http.MethodDelete:
			if err := users.Delete(ctx, id); err != nil {
				writeAPIErr(w, err)
				return
			}
			_ = gate.InvalidateUser(id)
			writeJSON(w, map[string]any{"ok": true})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

// currentVersion is the application release identifier the frontend
// compares against its "seen" marker to decide whether to show a
// what's-new banner (spec.md §6.2's "/api/version and
// /api/version/seen"). Bumped by hand at release time, like the
// teacher's ldflags-injected build string.
const currentVersion = "1.0.0"

// lastSeenVersion is process-wide rather than per-user: the banner is a
// cosmetic, single-operator-deployment affordance, not part of the
// per-user capability model.
var lastSeenVersion string

func registerVersionAPI(mux *http.ServeMux) {
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"version": currentVersion, "seen": lastSeenVersion == currentVersion})
	})
	mux.HandleFunc("/api/version/seen", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		lastSeenVersion = currentVersion
		writeJSON(w, map[string]any{"ok": true})
	})
}

// registerFilesAPI mounts the three per-client-type "/api/<client>/files/"
// GETs (spec.md §6.2), proxying straight to adapter.GetFiles; the
// instance is selected by an "instanceId" query parameter, defaulting to
// the first registered instance of that type (most deployments run one
// instance per type).
func registerFilesAPI(mux *http.ServeMux, reg *registry.Registry) {
	for _, typ := range []model.ClientType{model.ClientAmule, model.ClientQBittorrent, model.ClientTransmission} {
		typ := typ
		prefix := "/api/" + string(typ) + "/files/"
		mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
			hash := strings.TrimPrefix(r.URL.Path, prefix)
			if hash == "" {
				http.Error(w, "missing hash", http.StatusBadRequest)
				return
			}
			a, err := resolveByType(reg, typ, r.URL.Query().Get("instanceId"))
			if err != nil {
				writeAPIErr(w, err)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
			defer cancel()
			files, err := a.GetFiles(ctx, hash)
			if err != nil {
				writeAPIErr(w, err)
				return
			}
			writeJSON(w, map[string]any{"files": files})
		})
	}
}

func resolveByType(reg *registry.Registry, typ model.ClientType, instanceID string) (adapter.Adapter, error) {
	if instanceID != "" {
		a, ok := reg.Get(instanceID)
		if !ok {
			return nil, apperr.New(apperr.NotFound, "instance %q not found", instanceID)
		}
		return a, nil
	}
	byType := reg.GetByType(typ)
	if len(byType) == 0 {
		return nil, apperr.New(apperr.NotFound, "no %s instance configured", typ)
	}
	return byType[0], nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIErr(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), apperr.HTTPStatus(apperrKind(err)))
}

func apperrKind(err error) apperr.Kind {
	var e *apperr.E
	if errors.As(err, &e) {
		return e.Kind
	}
	return apperr.Internal
}
