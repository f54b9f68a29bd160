package main

import (
	"context"
	"embed"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/n0remac/facecam/preview"
	"github.com/n0remac/facecam/session"
	"github.com/n0remac/facecam/websocket"
)

//go:embed static
var staticFS embed.FS

// app maps the page's button events onto the session controller and pushes
// state back over the hub.
type app struct {
	controller *session.Controller
	publisher  *preview.Publisher
	hub        *websocket.Hub
	log        *zap.Logger
}

func newApp(controller *session.Controller, publisher *preview.Publisher, hub *websocket.Hub, log *zap.Logger) *app {
	return &app{controller: controller, publisher: publisher, hub: hub, log: log}
}

func (a *app) routes(mux *http.ServeMux) {
	mux.HandleFunc("/", a.handleIndex)
	mux.Handle("/static/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("/ws", a.hub.Handler())
	mux.HandleFunc("/download", a.handleDownload)
}

// registerCommands wires the four UI buttons 1:1 onto controller operations,
// plus the preview signalling.
func (a *app) registerCommands(registry *websocket.Registry) {
	registry.Register("startCamera", func(gjson.Result) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			a.controller.StartCamera(ctx)
		}()
	})
	registry.Register("stopCamera", func(gjson.Result) {
		go a.controller.StopCamera()
	})
	registry.Register("startRecording", func(gjson.Result) {
		go a.controller.StartRecording()
	})
	registry.Register("stopRecording", func(gjson.Result) {
		go a.controller.StopRecording()
	})
	registry.Register("previewOffer", func(msg gjson.Result) {
		id := msg.Get("id").String()
		sdp := msg.Get("sdp").String()
		go func() {
			answer, err := a.publisher.HandleOffer(id, sdp)
			if err != nil {
				a.log.Warn("preview offer", zap.Error(err))
				return
			}
			a.hub.Broadcast(map[string]string{
				"type": "previewAnswer",
				"id":   id,
				"sdp":  answer,
			})
		}()
	})
}

// onStateChange runs after every controller transition: it keeps the preview
// publisher in step with the camera and tells the page what changed.
func (a *app) onStateChange(snap session.Snapshot) {
	switch snap.State {
	case session.CameraOn, session.Recording, session.Recorded:
		go func() {
			if err := a.publisher.Start(); err != nil {
				a.log.Warn("preview start", zap.Error(err))
			}
		}()
	case session.Idle:
		go a.publisher.Stop()
	}

	a.hub.Broadcast(map[string]interface{}{
		"type":          "state",
		"state":         snap.State.String(),
		"detectorReady": snap.DetectorReady,
		"message":       snap.Message,
		"artifactName":  snap.ArtifactName,
	})
}

func (a *app) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	page, err := staticFS.ReadFile("static/app.html")
	if err != nil {
		http.Error(w, "page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write(page)
}

func (a *app) handleDownload(w http.ResponseWriter, r *http.Request) {
	art := a.controller.Artifact()
	if art == nil {
		http.Error(w, "no recording available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", art.MIME)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Name))
	w.Write(art.Data)
}
