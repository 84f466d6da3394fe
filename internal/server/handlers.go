package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/opencellcw/ulf-warden-sub010/internal/admission"
	"github.com/opencellcw/ulf-warden-sub010/internal/audit"
	"github.com/opencellcw/ulf-warden-sub010/internal/fault"
	"github.com/opencellcw/ulf-warden-sub010/internal/orchestrator"
	"github.com/opencellcw/ulf-warden-sub010/internal/requestctx"
	"github.com/opencellcw/ulf-warden-sub010/internal/retry"
	"github.com/opencellcw/ulf-warden-sub010/internal/workflow"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// statusFor maps a pipeline fault kind to an HTTP status.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.AdmissionBlocked:
		return http.StatusForbidden
	case fault.RateLimitExceeded, fault.ConcurrencyLimitExceeded:
		return http.StatusTooManyRequests
	case fault.ToolTimeout, fault.WorkflowTimeout:
		return http.StatusGatewayTimeout
	case fault.ToolExecution, fault.WorkflowStepFailed:
		return http.StatusBadGateway
	case fault.WorkflowCycle, fault.WorkflowUnresolvable:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeFault puts a pipeline error on the wire: the fault kind becomes
// the error code, RetryAfter becomes a Retry-After header.
func writeFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	if kind == "" {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	var f *fault.Fault
	if errors.As(err, &f) && f.RetryAfter > 0 {
		secs := int(f.RetryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeError(w, statusFor(kind), string(kind), err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]string{
			"manifest": "ok",
		}
		if s.orch.AuditLog() == nil {
			components["audit_store"] = "disabled"
		} else {
			components["audit_store"] = "ok"
		}
		if s.webhooks == nil {
			components["webhooks"] = "disabled"
		} else {
			components["webhooks"] = "ok"
		}
		if s.scheduler == nil {
			components["scheduler"] = "disabled"
		} else {
			components["scheduler"] = "ok"
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

type toolExecuteRequest struct {
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args"`
	UserRequest string         `json:"user_request"`
	Confirmed   bool           `json:"confirmed"`
	Retry       bool           `json:"retry"`
}

func (s *Server) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	var req toolExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tool is required")
		return
	}
	// The subject comes from the authenticated API key only; accepting it
	// from the body would let one caller spend another's windows.
	res, err := s.orch.ExecuteTool(r.Context(), orchestrator.ExecRequest{
		Tool:        req.Tool,
		Args:        req.Args,
		UserRequest: req.UserRequest,
		Confirmed:   req.Confirmed,
		Retry:       req.Retry,
	})
	if errors.Is(err, orchestrator.ErrConfirmationRequired) {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"id":       res.ID,
			"tool":     res.Tool,
			"status":   "confirmation_required",
			"decision": res.Decision,
			"message":  "resubmit with confirmed=true to execute",
		})
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("tool", req.Tool).Msg("tool_execute_rejected")
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request) {
	m := s.orch.Manifest()
	names := s.orch.Registry().Names()
	tools := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		entry := map[string]interface{}{
			"name":       name,
			"risk_level": m.RiskOf(name),
			"declared":   false,
		}
		if tp, ok := m.Tool(name); ok {
			entry["declared"] = true
			entry["idempotent"] = tp.Idempotent
			if tp.Description != "" {
				entry["description"] = tp.Description
			}
		}
		tools = append(tools, entry)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": tools})
}

type vetRequest struct {
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args"`
	UserRequest string         `json:"user_request"`
}

func (s *Server) handleAdmissionVet(w http.ResponseWriter, r *http.Request) {
	var req vetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tool is required")
		return
	}
	dec := s.orch.Vet(r.Context(), req.Tool, req.Args, req.UserRequest)
	writeJSON(w, http.StatusOK, dec)
}

type sanitizeRequest struct {
	Content    string `json:"content"`
	Source     string `json:"source"`
	UserIntent string `json:"user_intent"`
}

func (s *Server) handleAdmissionSanitize(w http.ResponseWriter, r *http.Request) {
	var req sanitizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}
	source := admission.Source(req.Source)
	if source == "" {
		// Unattributed content gets the untrusted treatment.
		source = admission.SourceWebFetch
	}
	sc := s.orch.Sanitize(r.Context(), req.Content, req.UserIntent, source)
	writeJSON(w, http.StatusOK, sc)
}

type rateCheckRequest struct {
	Subject  string `json:"subject,omitempty"`
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	var req rateCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "endpoint is required")
		return
	}
	subject := req.Subject
	if subject == "" {
		subject = requestctx.Subject(r.Context())
	}
	d := s.orch.CheckRateLimit(r.Context(), subject, req.Endpoint)
	resp := map[string]interface{}{
		"allowed":   d.Allowed,
		"limit":     d.Limit,
		"remaining": d.Remaining,
		"reset_at":  d.ResetAt,
	}
	if d.RetryAfter > 0 {
		resp["retry_after_ms"] = d.RetryAfter.Milliseconds()
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
	}
	writeJSON(w, http.StatusOK, resp)
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(d.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (s *Server) handlePoliciesList(w http.ResponseWriter, r *http.Request) {
	m := s.orch.Manifest()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": m.Service.Name,
		"version": m.VersionTag,
		"hash":    m.Hash,
		"tools":   m.Tools,
	})
}

func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "tool")
	tp, ok := s.orch.Manifest().Tool(name)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "tool is not declared in the manifest")
		return
	}
	writeJSON(w, http.StatusOK, tp)
}

func (s *Server) handleWorkflowValidate(w http.ResponseWriter, r *http.Request) {
	var def workflow.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if err := s.orch.ValidateWorkflow(&def); err != nil {
		code := "invalid_workflow"
		if kind := fault.KindOf(err); kind != "" {
			code = string(kind)
		}
		writeError(w, http.StatusBadRequest, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "steps": len(def.Steps)})
}

type workflowRunRequest struct {
	Workflow *workflow.Definition `json:"workflow"`
	Input    map[string]any       `json:"input"`
}

func (s *Server) handleWorkflowRun(w http.ResponseWriter, r *http.Request) {
	var req workflowRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Workflow == nil || len(req.Workflow.Steps) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "workflow with at least one step is required")
		return
	}
	subject := requestctx.Subject(r.Context())
	res, err := s.orch.RunWorkflow(r.Context(), req.Workflow, subject, req.Input)
	if err != nil {
		code := "internal"
		status := http.StatusInternalServerError
		if kind := fault.KindOf(err); kind != "" {
			code = string(kind)
			status = statusFor(kind)
		}
		body := map[string]interface{}{"error": code, "message": err.Error()}
		if res != nil {
			body["workflow_id"] = res.WorkflowID
			if len(res.Errors) > 0 {
				body["step_errors"] = res.Errors
			}
		}
		log.Warn().Err(err).Str("subject", subject).Msg("workflow_run_failed")
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, workflowResultDTO(res))
}

func workflowResultDTO(res *workflow.Result) map[string]interface{} {
	out := map[string]interface{}{
		"workflow_id": res.WorkflowID,
		"output":      res.Output,
		"results":     res.Results,
		"waves":       res.Waves,
		"elapsed_ms":  res.Elapsed.Milliseconds(),
	}
	if len(res.Errors) > 0 {
		out["step_errors"] = res.Errors
	}
	return out
}

type retryPolicyRequest struct {
	Tool              string   `json:"tool"`
	MaxAttempts       int      `json:"max_attempts"`
	InitialDelayMS    int      `json:"initial_delay_ms"`
	MaxDelayMS        int      `json:"max_delay_ms"`
	BackoffMultiplier float64  `json:"backoff_multiplier"`
	RetryablePatterns []string `json:"retryable_patterns"`
	Idempotent        bool     `json:"idempotent"`
}

func (s *Server) handleRetryPolicySet(w http.ResponseWriter, r *http.Request) {
	var req retryPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tool is required")
		return
	}
	s.orch.RegisterRetryPolicy(req.Tool, retry.Policy{
		MaxAttempts:       req.MaxAttempts,
		InitialDelay:      time.Duration(req.InitialDelayMS) * time.Millisecond,
		MaxDelay:          time.Duration(req.MaxDelayMS) * time.Millisecond,
		BackoffMultiplier: req.BackoffMultiplier,
		RetryablePatterns: req.RetryablePatterns,
		Idempotent:        req.Idempotent,
	})
	writeJSON(w, http.StatusOK, retryPolicyDTO(req.Tool, s.orch.RetryPolicyFor(req.Tool)))
}

func (s *Server) handleRetryPolicyGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "tool")
	if name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tool is required")
		return
	}
	writeJSON(w, http.StatusOK, retryPolicyDTO(name, s.orch.RetryPolicyFor(name)))
}

func retryPolicyDTO(tool string, p retry.Policy) map[string]interface{} {
	return map[string]interface{}{
		"tool":               tool,
		"max_attempts":       p.MaxAttempts,
		"initial_delay_ms":   p.InitialDelay.Milliseconds(),
		"max_delay_ms":       p.MaxDelay.Milliseconds(),
		"backoff_multiplier": p.BackoffMultiplier,
		"retryable_patterns": p.RetryablePatterns,
		"idempotent":         p.Idempotent,
	}
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if s.orch.AuditLog() == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "audit store is disabled")
		return
	}
	q := audit.Query{
		Subject: r.URL.Query().Get("subject"),
		Tool:    r.URL.Query().Get("tool"),
		Stage:   r.URL.Query().Get("stage"),
		Outcome: r.URL.Query().Get("outcome"),
	}
	if f := r.URL.Query().Get("from"); f != "" {
		q.From, _ = time.Parse(time.RFC3339, f)
	}
	if t := r.URL.Query().Get("to"); t != "" {
		q.To, _ = time.Parse(time.RFC3339, t)
	}
	q.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if q.Limit <= 0 {
		q.Limit = 50
	}
	records, err := s.orch.AuditLog().List(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	if s.orch.AuditLog() == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "audit store is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}
	rec, err := s.orch.AuditLog().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "audit record not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if s.orch.AuditLog() == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "audit store is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}
	valid, err := s.orch.AuditLog().Verify(r.Context(), id)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "audit record not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "valid": valid})
}

func (s *Server) handleTriggersList(w http.ResponseWriter, r *http.Request) {
	m := s.orch.Manifest()
	webhooks := []map[string]interface{}{}
	schedules := []map[string]interface{}{}
	if m.Triggers != nil {
		for _, wh := range m.Triggers.Webhooks {
			webhooks = append(webhooks, map[string]interface{}{
				"name":     wh.Name,
				"source":   wh.Source,
				"workflow": wh.Workflow,
			})
		}
		for _, sch := range m.Triggers.Schedule {
			schedules = append(schedules, map[string]interface{}{
				"cron":     sch.Cron,
				"workflow": sch.Workflow,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": webhooks, "schedules": schedules})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	m := s.orch.Manifest()
	resp := map[string]interface{}{
		"status":           "ok",
		"version":          s.version,
		"uptime":           time.Since(s.startTime).String(),
		"service":          m.Service.Name,
		"manifest_version": m.VersionTag,
		"manifest_hash":    m.Hash,
		"tools_registered": len(s.orch.Registry().Names()),
		"tools_declared":   len(m.Tools),
		"audit_enabled":    s.orch.AuditLog() != nil,
	}
	if s.scheduler != nil {
		resp["cron_entries"] = s.scheduler.Entries()
	}
	writeJSON(w, http.StatusOK, resp)
}
