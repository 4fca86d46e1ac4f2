// Package events implements the Event Scripting Hook (spec.md §4's C14):
// it fires well-defined domain events (downloadAdded, fileMoved,
// fileDeleted, categoryChanged, ...) to an external sink configured as
// either a shell command (invoked once per event, payload on stdin as
// JSON and as NAME=VALUE environment variables) or an HTTP POST target.
// move.Manager already depends on the narrow EventSink contract this
// package implements; the scheduler and wshub action handlers fire
// through the same Hook for every other lifecycle event.
package events

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/teris-io/shortid"
	"github.com/valyala/fasthttp"

	"github.com/got3nks/amule-web-controller-sub002/internal/config"
	"github.com/got3nks/amule-web-controller-sub002/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Names is the closed vocabulary of domain events the rest of the system
// fires. Unlisted names are still delivered (the sink is a passthrough),
// but these are the ones a complete implementation emits itself.
const (
	DownloadAdded    = "downloadAdded"
	DownloadComplete = "downloadComplete"
	FileMoved        = "fileMoved"
	FileDeleted      = "fileDeleted"
	CategoryCreated  = "categoryCreated"
	CategoryUpdated  = "categoryUpdated"
	CategoryDeleted  = "categoryDeleted"
	ClientConnected  = "clientConnected"
	ClientDisconnected = "clientDisconnected"
)

// Hook is the event scripting sink. It satisfies move.EventSink.
type Hook struct {
	cfg    config.EventScriptingConfig
	client *fasthttp.Client
	sid    *shortid.Shortid
	log    *logging.Logger
}

func New(cfg config.EventScriptingConfig) *Hook {
	sid, err := shortid.New(1, shortid.DefaultABC, 7331)
	if err != nil {
		sid = nil
	}
	return &Hook{
		cfg:    cfg,
		client: &fasthttp.Client{MaxConnsPerHost: 4},
		sid:    sid,
		log:    logging.New("events"),
	}
}

// Fire delivers one event asynchronously; neither command nor webhook
// failures propagate back to the caller (an adapter mutation that
// succeeded must not be reported as failed because a notification sink
// is down).
func (h *Hook) Fire(name string, payload map[string]any) {
	if !h.cfg.Enabled {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["event"] = name
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	if h.sid != nil {
		if id, err := h.sid.Generate(); err == nil {
			payload["eventId"] = id
		}
	}

	go func() {
		if h.cfg.Command != "" {
			h.runCommand(name, payload)
		}
		if h.cfg.URL != "" {
			h.postWebhook(payload)
		}
	}()
}

func (h *Hook) runCommand(name string, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		h.log.Warnf("marshaling event %s: %v", name, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", h.cfg.Command)
	cmd.Stdin = bytes.NewReader(body)
	cmd.Env = append(cmd.Env, envPairs(payload)...)
	if err := cmd.Run(); err != nil {
		h.log.Warnf("event command for %s: %v", name, err)
	}
}

func (h *Hook) postWebhook(payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		h.log.Warnf("marshaling webhook payload: %v", err)
		return
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(h.cfg.URL)
	req.Header.SetMethod("POST")
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := h.client.DoTimeout(req, resp, 10*time.Second); err != nil {
		h.log.Warnf("event webhook: %v", err)
		return
	}
	if resp.StatusCode() >= 400 {
		h.log.Warnf("event webhook: status %d", resp.StatusCode())
	}
}

// envPairs flattens scalar payload fields into NAME=VALUE pairs so shell
// scripts can read event data without a JSON parser, a convention carried
// over from aMule's own "ed2klinks" and "alert" command hooks.
func envPairs(payload map[string]any) []string {
	out := make([]string, 0, len(payload))
	for k, v := range payload {
		var s string
		switch val := v.(type) {
		case string:
			s = val
		case nil:
			continue
		default:
			buf, err := json.Marshal(val)
			if err != nil {
				continue
			}
			s = string(buf)
		}
		out = append(out, "AMULE_EVENT_"+strings.ToUpper(k)+"="+s)
	}
	return out
}
