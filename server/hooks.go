package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/clawgate/agent"
	"github.com/hrygo/clawgate/chat"
	"github.com/hrygo/clawgate/gateway"
	"github.com/hrygo/clawgate/internal/config"
)

// wakeRequest is the body of POST /hooks/wake.
type wakeRequest struct {
	Mode       string `json:"mode"` // now | next-heartbeat
	Text       string `json:"text"`
	SessionKey string `json:"sessionKey"`
}

// agentRequest is the body of POST /hooks/agent.
type agentRequest struct {
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey"`
	Model      string `json:"model"`
	Deliver    bool   `json:"deliver"`
	Surface    string `json:"surface"`
	To         string `json:"to"`
	Wait       bool   `json:"wait"`
}

// handleWake records an optional note on the session and pulses the heartbeat
// scheduler. Mode "next-heartbeat" leaves the note for the next regular tick.
func (s *Server) handleWake(c echo.Context) error {
	var req wakeRequest
	if err := decodeJSON(c, &req, true); err != nil {
		return err
	}
	key := req.SessionKey
	if key == "" {
		key = s.cfgFn().Session.MainKey
	}
	if strings.TrimSpace(req.Text) != "" {
		s.sessions.Get(key)
		s.sessions.AppendHistory(key, agent.Message{
			Role: "system", Content: req.Text, Ts: time.Now().Unix(),
		})
	}
	if req.Mode != "next-heartbeat" {
		s.heartbeats.Wake()
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleAgent runs the agent directly with the posted message.
func (s *Server) handleAgent(c echo.Context) error {
	var req agentRequest
	if err := decodeJSON(c, &req, false); err != nil {
		return err
	}
	if strings.TrimSpace(req.Message) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "message is required"})
	}
	key := req.SessionKey
	if key == "" {
		key = s.cfgFn().Session.MainKey
	}
	s.sessions.Get(key)

	input := &gateway.Input{
		SessionKey: key,
		Surface:    chat.Surface(req.Surface),
		To:         req.To,
		Text:       req.Message,
		Origin:     gateway.OriginWebhook,
		Model:      req.Model,
		Deliver:    req.Deliver && req.Surface != "",
	}
	return s.submit(c, input, req.Wait)
}

// handleMapping resolves a configured webhook mapping by name, path, or the
// payload's source field, then performs its action.
func (s *Server) handleMapping(c echo.Context) error {
	name := c.Param("name")

	raw, err := readBody(c)
	if err != nil {
		return err
	}
	payload := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "body must be JSON")
		}
	}

	mapping := s.findMapping(name, payload)
	if mapping == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no matching webhook mapping"})
	}

	if mapping.Transform != "" {
		transformed, err := s.transforms.Apply(mapping.Transform, payload)
		if err != nil {
			slog.Warn("Webhook transform failed", "mapping", mapping.Name, "transform", mapping.Transform, "error", err)
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "transform failed"})
		}
		payload = transformed
	}

	// Templates see the payload fields plus a derived vocabulary: Body is the
	// raw request body, SessionId/IsNewSession describe the resolved session.
	vars := make(map[string]any, len(payload)+4)
	for k, v := range payload {
		vars[k] = v
	}
	vars["Body"] = string(raw)
	vars["Surface"] = mapping.Surface
	vars["To"] = mapping.To

	// sessionKey is itself a template so one mapping can fan out per payload.
	key := gateway.ExpandTemplate(mapping.SessionKey, vars)
	if key == "" {
		key = s.cfgFn().Session.MainKey
	}
	_, existed := s.sessions.Peek(key)
	s.sessions.Get(key)
	vars["SessionId"] = key
	vars["IsNewSession"] = !existed

	message := gateway.ExpandTemplate(mapping.MessageTemplate, vars)
	if strings.TrimSpace(message) == "" {
		message = "Webhook event received: " + mapping.Name
	}

	switch mapping.Action {
	case "wake":
		s.sessions.AppendHistory(key, agent.Message{
			Role: "system", Content: message, Ts: time.Now().Unix(),
		})
		if mapping.WakeMode != "next-heartbeat" {
			s.heartbeats.Wake()
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "mapping": mapping.Name})
	default: // agent
		input := &gateway.Input{
			SessionKey: key,
			Surface:    chat.Surface(mapping.Surface),
			To:         mapping.To,
			Text:       message,
			Origin:     gateway.OriginWebhook,
			Deliver:    mapping.Deliver && mapping.Surface != "",
		}
		return s.submit(c, input, !mapping.Deliver)
	}
}

// submit hands the input to the coordinator, optionally waiting for the run's
// settled final text. A queued input returns 202.
func (s *Server) submit(c echo.Context, input *gateway.Input, wait bool) error {
	run, err := s.coord.Submit(input)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if run == nil {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
	}
	if !wait {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "started", "runId": run.ID})
	}

	ctx := c.Request().Context()
	if err := run.Wait(ctx); err != nil {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": "run did not finish in time"})
	}
	// WaitSettled guards against reading mid-compaction output.
	if err := run.WaitSettled(ctx); err != nil {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": "run did not settle in time"})
	}
	if err := run.Err(); err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status": "done",
		"runId":  run.ID,
		"text":   run.FinalText(),
	})
}

// findMapping resolves a mapping by name, then by path match, then by the
// payload's source field.
func (s *Server) findMapping(name string, payload map[string]any) *config.WebhookMapping {
	mappings := s.cfgFn().Webhook.Mappings
	for _, m := range mappings {
		if m.Name != "" && m.Name == name {
			return m
		}
	}
	for _, m := range mappings {
		if m.Match.Path != "" && strings.Trim(m.Match.Path, "/") == name {
			return m
		}
	}
	source, _ := payload["source"].(string)
	if source != "" {
		for _, m := range mappings {
			if m.Match.Source != "" && m.Match.Source == source {
				return m
			}
		}
	}
	return nil
}

// readBody drains the request body. Oversized bodies yield 413.
func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	return body, nil
}

// decodeJSON parses the request body. Oversized bodies yield 413, malformed
// JSON yields 400. allowEmpty tolerates an empty body.
func decodeJSON(c echo.Context, out any, allowEmpty bool) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		if allowEmpty {
			return nil
		}
		return echo.NewHTTPError(http.StatusBadRequest, "empty body")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be JSON")
	}
	return nil
}
