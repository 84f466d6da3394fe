package trigger

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencellcw/ulf-warden-sub010/internal/policy"
)

func webhookRouter(handler *WebhookHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Post("/v1/triggers/{name}", handler.HandleWebhook)
	return r
}

func webhookManifest(triggers ...policy.WebhookTrigger) *policy.Manifest {
	return &policy.Manifest{Triggers: &policy.TriggersConfig{Webhooks: triggers}}
}

func postWebhook(t *testing.T, router *chi.Mux, name string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/triggers/"+name, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleWebhookPassesPayloadThrough(t *testing.T) {
	dir := t.TempDir()
	file := writePlanFile(t, dir, "deploy")

	runner := &mockRunner{}
	handler := NewWebhookHandler(runner, webhookManifest(
		policy.WebhookTrigger{Name: "deploy", Source: "github", Workflow: file},
	), dir)
	router := webhookRouter(handler)

	w := postWebhook(t, router, "deploy", map[string]string{"action": "completed"})

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, runner.runs, 1)
	assert.Equal(t, "webhook:deploy", runner.runs[0].subject)

	payload, ok := runner.runs[0].initial["payload"].(map[string]any)
	require.True(t, ok, "the raw payload seeds the workflow context under the payload key")
	assert.Equal(t, "completed", payload["action"])

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "wf_test", resp.WorkflowID)
}

func TestHandleWebhookRendersInputTemplate(t *testing.T) {
	dir := t.TempDir()
	file := writePlanFile(t, dir, "triage")

	runner := &mockRunner{}
	handler := NewWebhookHandler(runner, webhookManifest(
		policy.WebhookTrigger{
			Name:          "ticket",
			Source:        "jira",
			Workflow:      file,
			Subject:       "triage-bot",
			InputTemplate: `{"ticket": "{{.payload.key}}", "severity": "{{.payload.severity}}"}`,
		},
	), dir)
	router := webhookRouter(handler)

	w := postWebhook(t, router, "ticket", map[string]string{"key": "PROJ-123", "severity": "high"})

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, runner.runs, 1)
	assert.Equal(t, "triage-bot", runner.runs[0].subject)
	assert.Equal(t, "PROJ-123", runner.runs[0].initial["ticket"])
	assert.Equal(t, "high", runner.runs[0].initial["severity"])
}

func TestHandleWebhookUnknownTrigger(t *testing.T) {
	handler := NewWebhookHandler(&mockRunner{}, webhookManifest(), t.TempDir())
	router := webhookRouter(handler)

	w := postWebhook(t, router, "unknown", map[string]string{"x": "y"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleWebhookInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	file := writePlanFile(t, dir, "plan")
	handler := NewWebhookHandler(&mockRunner{}, webhookManifest(
		policy.WebhookTrigger{Name: "test", Source: "generic", Workflow: file},
	), dir)
	router := webhookRouter(handler)

	req := httptest.NewRequest(http.MethodPost, "/v1/triggers/test", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWebhookTemplateMustRenderJSON(t *testing.T) {
	dir := t.TempDir()
	file := writePlanFile(t, dir, "plan")
	handler := NewWebhookHandler(&mockRunner{}, webhookManifest(
		policy.WebhookTrigger{
			Name: "bad", Source: "generic", Workflow: file,
			InputTemplate: `plain text, not json`,
		},
	), dir)
	router := webhookRouter(handler)

	w := postWebhook(t, router, "bad", map[string]string{"x": "y"})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp webhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "JSON object")
}

func TestHandleWebhookRunFailure(t *testing.T) {
	dir := t.TempDir()
	file := writePlanFile(t, dir, "plan")
	runner := &mockRunner{runErr: errors.New("step fetch: tool is not registered")}
	handler := NewWebhookHandler(runner, webhookManifest(
		policy.WebhookTrigger{Name: "notify", Source: "slack", Workflow: file},
	), dir)
	router := webhookRouter(handler)

	w := postWebhook(t, router, "notify", map[string]string{"msg": "server down"})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp webhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "not registered")
}

func TestHandleWebhookMissingPlanFile(t *testing.T) {
	handler := NewWebhookHandler(&mockRunner{}, webhookManifest(
		policy.WebhookTrigger{Name: "ghost", Source: "generic", Workflow: "missing.json"},
	), t.TempDir())
	router := webhookRouter(handler)

	w := postWebhook(t, router, "ghost", map[string]string{"x": "y"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
