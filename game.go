// Missionbox Mission Game
//
// One player creates a session with the full list of player names. Each
// player is then secretly assigned another player as their target, plus a
// mission describing what to do to them, Secret-Santa style.
//
// Features:
// - Sessions live at /mission/:token, shareable by link or QR code
// - Players check in ("I'm ready") by binding their browser cookie to a slot
// - One browser may hold at most one slot per session
// - The session starts only once every player has checked in
// - After start, each browser sees only its own mission and target
// - Pages are plain form posts and redirects; refresh to see new state
// - In-browser QR button to share the current session, backed by go-qrcode

package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

var ErrMissingIdentity = errors.New("no browser identity cookie was sent")

const identityCookieName = "missionbox_id"

func getOrSetIdentity(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(identityCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     identityCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// getIdentity reads the identity cookie without issuing a new one; state
// transitions require a cookie the browser already holds.
func getIdentity(r *http.Request) string {
	if c, err := r.Cookie(identityCookieName); err == nil {
		return c.Value
	}
	return ""
}

// errorStatus maps each domain error to the HTTP status the page is
// served with.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidPlayerSet),
		errors.Is(err, ErrInsufficientMissions),
		errors.Is(err, ErrMissingIdentity),
		errors.Is(err, ErrNotClaimed),
		errors.Is(err, ErrNotAllReady):
		return http.StatusBadRequest
	case errors.Is(err, ErrSessionAlreadyStarted),
		errors.Is(err, ErrSlotUnavailable),
		errors.Is(err, ErrIdentityAlreadyBound):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func renderError(cfg *Config, w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	securityHeaders(cfg, w)
	w.WriteHeader(errorStatus(err))

	_, _ = w.Write([]byte(newPage("Error", err.Error())))
}

func serveNewSessionForm(cfg *Config, path string, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_ = getOrSetIdentity(w, r)

		if err := renderNewSessionPage(w, cfg.prefix, path); err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: New session form to %s in %s",
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func createSessionHandler(cfg *Config, store *Store, path string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := r.ParseForm(); err != nil {
			renderError(cfg, w, err)

			return
		}

		names := r.PostForm["names[]"]
		lang := ParseLanguage(r.PostFormValue("language"))

		session, err := store.CreateSession(r.Context(), names, lang)
		if err != nil {
			renderError(cfg, w, err)

			return
		}

		logf(cfg, "GAMES: Created session %s (%d players, %s) for %s",
			session.Token,
			len(normalizePlayerNames(names)),
			session.Language,
			realIP(r),
		)

		http.Redirect(w, r, cfg.prefix+path+"/"+session.Token, http.StatusSeeOther)
	}
}

func serveSession(cfg *Config, store *Store, path string, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		startTime := time.Now()

		session, err := store.SessionByToken(r.Context(), ps.ByName("token"))
		if err != nil {
			renderError(cfg, w, err)

			return
		}

		identity := getOrSetIdentity(w, r)

		view, err := store.View(r.Context(), session, identity)
		if err != nil {
			renderError(cfg, w, err)

			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		if err := renderSessionPage(w, cfg.prefix, path, view); err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Session %s to %s in %s",
			session.Token,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// sessionTransition wraps the shared lookup/redirect plumbing around one
// state-machine operation.
func sessionTransition(cfg *Config, store *Store, path string, op func(r *http.Request, session *Session, identity string) error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		session, err := store.SessionByToken(r.Context(), ps.ByName("token"))
		if err != nil {
			renderError(cfg, w, err)

			return
		}

		identity := getIdentity(r)

		if err := op(r, session, identity); err != nil {
			renderError(cfg, w, err)

			return
		}

		http.Redirect(w, r, cfg.prefix+path+"/"+session.Token, http.StatusSeeOther)
	}
}

func readyHandler(cfg *Config, store *Store, path string) httprouter.Handle {
	return sessionTransition(cfg, store, path, func(r *http.Request, session *Session, identity string) error {
		recordID, err := strconv.ParseInt(r.PostFormValue("player_id"), 10, 64)
		if err != nil {
			return ErrSlotUnavailable
		}

		if err := store.Claim(r.Context(), session, recordID, identity); err != nil {
			return err
		}

		logf(cfg, "GAMES: Checked in player %d of session %s for %s", recordID, session.Token, realIP(r))

		return nil
	})
}

func unreadyHandler(cfg *Config, store *Store, path string) httprouter.Handle {
	return sessionTransition(cfg, store, path, func(r *http.Request, session *Session, identity string) error {
		if err := store.Unclaim(r.Context(), session, identity); err != nil {
			return err
		}

		logf(cfg, "GAMES: Checked out a player of session %s for %s", session.Token, realIP(r))

		return nil
	})
}

func startHandler(cfg *Config, store *Store, path string) httprouter.Handle {
	return sessionTransition(cfg, store, path, func(r *http.Request, session *Session, _ string) error {
		if err := store.Start(r.Context(), session); err != nil {
			return err
		}

		logf(cfg, "GAMES: Started session %s for %s", session.Token, realIP(r))

		return nil
	})
}

// qrHandler generates a PNG QR code for the current session URL using
// go-qrcode.
func qrHandler(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if ps.ByName("token") == "" {
			http.Error(w, "missing session token", http.StatusBadRequest)
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		// We are at /.../:token/qr; strip trailing "/qr" to get the session URL.
		url := scheme + "://" + r.Host + strings.TrimSuffix(r.URL.Path, "/qr")

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		written, err := w.Write(png)
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: QR code (%s) to %s", humanReadableSize(int64(written)), realIP(r))
	}
}

// registerMissionGame sets up routes so that:
//   - GET  $path              → new session form
//   - POST $path              → create session, redirect to its page
//   - GET  $path/:token       → session page (poll/refresh for new state)
//   - POST $path/:token/ready   → check in as a player
//   - POST $path/:token/unready → check out again
//   - POST $path/:token/start   → start once everyone checked in
//   - GET  $path/:token/qr      → PNG QR code for that session URL
func registerMissionGame(cfg *Config, store *Store, path string, mux *httprouter.Router, errs chan<- error) {
	mux.GET(cfg.prefix+path, serveNewSessionForm(cfg, path, errs))
	mux.POST(cfg.prefix+path, createSessionHandler(cfg, store, path))

	mux.GET(cfg.prefix+path+"/:token", serveSession(cfg, store, path, errs))
	mux.GET(cfg.prefix+path+"/:token/qr", qrHandler(cfg, errs))

	mux.POST(cfg.prefix+path+"/:token/ready", readyHandler(cfg, store, path))
	mux.POST(cfg.prefix+path+"/:token/unready", unreadyHandler(cfg, store, path))
	mux.POST(cfg.prefix+path+"/:token/start", startHandler(cfg, store, path))
}
