package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"text/template"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/opencellcw/ulf-warden-sub010/internal/policy"
)

// WebhookHandler handles incoming webhook triggers.
type WebhookHandler struct {
	runner   WorkflowRunner
	webhooks map[string]policy.WebhookTrigger
	baseDir  string
}

// NewWebhookHandler creates a handler from the manifest's webhook
// configuration. Workflow file references resolve under baseDir.
func NewWebhookHandler(runner WorkflowRunner, m *policy.Manifest, baseDir string) *WebhookHandler {
	wh := &WebhookHandler{
		runner:   runner,
		webhooks: make(map[string]policy.WebhookTrigger),
		baseDir:  baseDir,
	}
	if m.Triggers != nil {
		for _, w := range m.Triggers.Webhooks {
			wh.webhooks[w.Name] = w
		}
	}
	return wh
}

// webhookResponse is the JSON response for a webhook execution.
type webhookResponse struct {
	Status     string `json:"status"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// HandleWebhook processes an incoming webhook trigger: the payload is
// rendered through the trigger's input template into the workflow's
// initial context, and the plan file is loaded fresh on each fire so
// edits take effect without a restart.
func (wh *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	trig, ok := wh.webhooks[name]
	if !ok {
		writeWebhook(w, http.StatusNotFound, webhookResponse{
			Status: "error", Error: fmt.Sprintf("trigger %q not found", name),
		})
		return
	}

	var payload any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeWebhook(w, http.StatusBadRequest, webhookResponse{Status: "error", Error: "invalid JSON body"})
		return
	}

	initial, err := buildInitialInput(trig.InputTemplate, payload)
	if err != nil {
		writeWebhook(w, http.StatusInternalServerError, webhookResponse{
			Status: "error", Error: fmt.Sprintf("input template error: %v", err),
		})
		return
	}

	def, err := LoadDefinition(wh.baseDir, trig.Workflow)
	if err != nil {
		log.Error().Err(err).Str("trigger", name).Msg("webhook_workflow_load_failed")
		writeWebhook(w, http.StatusInternalServerError, webhookResponse{Status: "error", Error: err.Error()})
		return
	}

	subject := trig.Subject
	if subject == "" {
		subject = "webhook:" + name
	}

	ctx, cancel := context.WithTimeout(r.Context(), runTimeout)
	defer cancel()

	log.Info().
		Str("trigger", name).
		Str("source", trig.Source).
		Str("workflow", trig.Workflow).
		Msg("webhook_trigger_fired")

	res, err := wh.runner.RunWorkflow(ctx, def, subject, initial)
	if err != nil {
		log.Error().Err(err).
			Str("trigger", name).
			Str("workflow", trig.Workflow).
			Msg("webhook_trigger_failed")
		resp := webhookResponse{Status: "error", Error: err.Error()}
		if res != nil {
			resp.WorkflowID = res.WorkflowID
		}
		writeWebhook(w, http.StatusInternalServerError, resp)
		return
	}

	writeWebhook(w, http.StatusOK, webhookResponse{
		Status:     "ok",
		WorkflowID: res.WorkflowID,
		Output:     res.Output,
	})
}

// buildInitialInput renders the input template against {"payload": ...}
// and parses the result as a JSON object seeding the workflow context.
// Without a template the raw payload lands under the "payload" key, so
// steps can reference it via input_from.
func buildInitialInput(tmplStr string, payload any) (map[string]any, error) {
	if tmplStr == "" {
		return map[string]any{"payload": payload}, nil
	}
	rendered, err := renderTemplate(tmplStr, map[string]any{"payload": payload})
	if err != nil {
		return nil, err
	}
	var initial map[string]any
	if err := json.Unmarshal([]byte(rendered), &initial); err != nil {
		return nil, fmt.Errorf("input template must render a JSON object: %w", err)
	}
	return initial, nil
}

// renderTemplate renders a Go text/template with the given data.
func renderTemplate(tmplStr string, data any) (string, error) {
	tmpl, err := template.New("webhook").Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("parsing template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing template: %w", err)
	}
	return buf.String(), nil
}

func writeWebhook(w http.ResponseWriter, status int, resp webhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
