package server

import (
	"fmt"
	"strings"
	"sync"
)

// TransformFunc reshapes a webhook payload before template expansion.
type TransformFunc func(payload map[string]any) (map[string]any, error)

// TransformRegistry holds named payload transforms. Mappings reference them by
// name; an unknown name fails the request rather than passing the payload
// through unmodified.
type TransformRegistry struct {
	mu    sync.RWMutex
	funcs map[string]TransformFunc
}

// NewTransformRegistry creates a registry preloaded with the built-ins.
func NewTransformRegistry() *TransformRegistry {
	r := &TransformRegistry{funcs: make(map[string]TransformFunc)}
	r.Register("flatten", transformFlatten)
	r.Register("github-push", transformGitHubPush)
	r.Register("alertmanager", transformAlertmanager)
	return r
}

// Register adds or replaces a named transform.
func (r *TransformRegistry) Register(name string, fn TransformFunc) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

// Apply runs the named transform.
func (r *TransformRegistry) Apply(name string, payload map[string]any) (map[string]any, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", name)
	}
	return fn(payload)
}

// transformFlatten lifts nested maps to dotted top-level keys so flat
// templates work against deep payloads.
func transformFlatten(payload map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(payload))
	flattenInto(out, "", payload)
	return out, nil
}

func flattenInto(out map[string]any, prefix string, node map[string]any) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, key, nested)
			continue
		}
		out[key] = v
	}
}

// transformGitHubPush distills a GitHub push payload to the fields worth
// telling the agent about.
func transformGitHubPush(payload map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if repo, ok := payload["repository"].(map[string]any); ok {
		out["repo"] = repo["full_name"]
	}
	if pusher, ok := payload["pusher"].(map[string]any); ok {
		out["pusher"] = pusher["name"]
	}
	out["ref"] = payload["ref"]
	if commits, ok := payload["commits"].([]any); ok {
		out["commits"] = len(commits)
		titles := make([]string, 0, len(commits))
		for _, c := range commits {
			if commit, ok := c.(map[string]any); ok {
				if msg, ok := commit["message"].(string); ok {
					titles = append(titles, strings.SplitN(msg, "\n", 2)[0])
				}
			}
		}
		out["titles"] = strings.Join(titles, "; ")
	}
	return out, nil
}

// transformAlertmanager summarizes a Prometheus Alertmanager webhook.
func transformAlertmanager(payload map[string]any) (map[string]any, error) {
	out := map[string]any{"status": payload["status"]}
	alerts, _ := payload["alerts"].([]any)
	out["count"] = len(alerts)
	names := make([]string, 0, len(alerts))
	for _, a := range alerts {
		alert, ok := a.(map[string]any)
		if !ok {
			continue
		}
		if labels, ok := alert["labels"].(map[string]any); ok {
			if name, ok := labels["alertname"].(string); ok {
				names = append(names, name)
			}
		}
	}
	out["alerts"] = strings.Join(names, ", ")
	return out, nil
}
