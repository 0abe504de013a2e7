/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"embed"
	"html/template"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
)

//go:embed static/*
var assets embed.FS

var (
	newSessionTmpl = template.Must(template.New("new_session").Parse(newSessionHTML))
	sessionTmpl    = template.Must(template.New("session").Parse(sessionHTML))
)

const newSessionHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>New mission game</title>
<link rel="stylesheet" href="{{.Prefix}}/static/app.css">
</head>
<body>
<h1>New mission game</h1>
<p>Add every player's name, pick a language, and share the session link.</p>
<form method="POST" action="{{.Action}}">
  <div id="namesContainer"></div>
  <button type="button" id="addName">Add player</button>
  <label>Language
    <select name="language">
      <option value="en">English</option>
      <option value="it">Italiano</option>
      <option value="fr">Français</option>
    </select>
  </label>
  <button type="submit">Create session</button>
</form>
<script src="{{.Prefix}}/static/new_session.js"></script>
</body>
</html>
`

const sessionHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Mission game</title>
<link rel="stylesheet" href="{{.Prefix}}/static/app.css">
</head>
<body>
<h1>Mission game</h1>
{{if .View.Started}}
{{if .View.Mission}}
<section class="mission">
  <h2>Your mission</h2>
  <p>{{.View.Mission}}</p>
  <p>Your target: <strong>{{.View.Target}}</strong></p>
</section>
{{else}}
<p>The game has started. Open this page in the browser you checked in with to see your mission.</p>
{{end}}
{{end}}
<ul class="players">
{{range .View.Players}}
  <li>
    <span class="name">{{.PlayerName}}</span>
    {{if .Ready}}<span class="ready">ready</span>{{else}}<span class="waiting">waiting</span>{{end}}
    {{if and (not $.View.Started) (not .Ready)}}
    <form method="POST" action="{{$.Base}}/ready">
      <input type="hidden" name="player_id" value="{{.RecordID}}">
      <button type="submit">This is me</button>
    </form>
    {{end}}
    {{if and (not $.View.Started) .IsSelf}}
    <form method="POST" action="{{$.Base}}/unready">
      <button type="submit">Not me after all</button>
    </form>
    {{end}}
  </li>
{{end}}
</ul>
{{if and (not .View.Started) .View.AllReady}}
<form method="POST" action="{{.Base}}/start">
  <button type="submit">Start the game</button>
</form>
{{else if not .View.Started}}
<p>Waiting for everyone to check in. Refresh to see new check-ins.</p>
{{end}}
<p><a href="{{.Base}}/qr">Share this session as a QR code</a></p>
</body>
</html>
`

func renderNewSessionPage(w io.Writer, prefix, path string) error {
	return newSessionTmpl.Execute(w, struct {
		Prefix string
		Action string
	}{
		Prefix: prefix,
		Action: prefix + path,
	})
}

func renderSessionPage(w io.Writer, prefix, path string, view *SessionView) error {
	return sessionTmpl.Execute(w, struct {
		Prefix string
		Base   string
		View   *SessionView
	}{
		Prefix: prefix,
		Base:   prefix + path + "/" + view.Token,
		View:   view,
	})
}

func serveHomePage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_ = getOrSetIdentity(w, r)

		_, _ = io.WriteString(w, newPage("missionbox", "Start a new mission game"))
	}
}

func serveHealthCheck(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)

		_, err := w.Write([]byte("Ok\n"))
		if err != nil {
			errs <- err

			return
		}
	}
}

func serveAssets(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		fname := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, cfg.prefix), "/")

		data, err := assets.ReadFile(fname)
		if err != nil {
			return
		}

		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		securityHeaders(cfg, w)

		ext := strings.ToLower(filepath.Ext(fname))
		switch ext {
		case ".css":
			w.Header().Set("Content-Type", "text/css; charset=utf-8")
		case ".js":
			w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		}

		_, err = w.Write(data)
		if err != nil {
			errs <- err

			return
		}
	}
}

func serveRobots(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		data := `User-agent: Amazonbot
Disallow: /

User-agent: Applebot-Extended
Disallow: /

User-agent: Bytespider
Disallow: /

User-agent: CCBot
Disallow: /

User-agent: ClaudeBot
Disallow: /

User-agent: Google-Extended
Disallow: /

User-agent: GPTBot
Disallow: /

User-agent: meta-externalagent
Disallow: /`

		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		securityHeaders(cfg, w)

		_, err := w.Write([]byte(data))
		if err != nil {
			errs <- err

			return
		}
	}
}
