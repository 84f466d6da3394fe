package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencellcw/ulf-warden-sub010/internal/config"
	"github.com/opencellcw/ulf-warden-sub010/internal/fault"
	"github.com/opencellcw/ulf-warden-sub010/internal/orchestrator"
	"github.com/opencellcw/ulf-warden-sub010/internal/policy"
	"github.com/opencellcw/ulf-warden-sub010/internal/testutil"
	"github.com/opencellcw/ulf-warden-sub010/internal/tool"
	"github.com/opencellcw/ulf-warden-sub010/internal/trigger"
)

const testKey = "warden-test-key"

func serverConfig() *config.Config {
	return &config.Config{
		ToolTimeoutMS:      2000,
		MaxConcurrentTools: 4,
		RateLimitDefault:   100,
		RateLimitWindowMS:  60000,
		MaxWorkflowDepth:   20,
		JudgeModel:         "judge-test",
	}
}

// newTestServer builds an orchestrator with an echo tool registered and
// wraps it in a routed server with one API key (testKey -> "tester").
func newTestServer(t *testing.T, cfg *config.Config, manifestYAML string, orcOpts []orchestrator.Option, opts ...Option) (http.Handler, *orchestrator.Orchestrator) {
	t.Helper()
	if cfg == nil {
		cfg = serverConfig()
	}
	if orcOpts == nil {
		orcOpts = []orchestrator.Option{orchestrator.WithJudge(&testutil.MockJudge{})}
	}
	m := testutil.LoadManifest(t, manifestYAML)
	orc, err := orchestrator.New(cfg, m, orcOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orc.Close() })
	orc.Registry().Register(tool.Func{
		ToolName: "echo",
		Desc:     "echoes msg back",
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			return args["msg"], nil
		},
	})
	srv := NewServer(orc, map[string]string{testKey: "tester"}, opts...)
	return srv.Routes(), orc
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("X-Warden-Key", testKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := newTestServer(t, nil, "", nil)

	rec := doRequest(t, h, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "ok", out["status"])
}

func TestHealthDetail(t *testing.T) {
	h, _ := newTestServer(t, nil, "", nil)

	rec := doRequest(t, h, http.MethodGet, "/v1/health?detail=true", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	comp, _ := out["components"].(map[string]interface{})
	require.NotNil(t, comp)
	assert.Equal(t, "ok", comp["manifest"])
	assert.Equal(t, "disabled", comp["audit_store"])
}

func TestAuthMiddlewareRejectsMissingOrWrongKey(t *testing.T) {
	h, _ := newTestServer(t, nil, "", nil)

	rec := doRequest(t, h, http.MethodGet, "/v1/tools", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "unauthorized", out["error"])

	req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
	req.Header.Set("X-Warden-Key", "not-the-key")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareAcceptsBearerToken(t *testing.T) {
	h, _ := newTestServer(t, nil, "", nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestToolExecuteEndpoint(t *testing.T) {
	h, _ := newTestServer(t, nil, "", nil)

	body := `{"tool":"echo","args":{"msg":"hello"},"user_request":"say hello"}`
	rec := doRequest(t, h, http.MethodPost, "/v1/tools/execute", body, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.True(t, strings.HasPrefix(out["id"].(string), "exec_"))
	assert.Equal(t, "hello", out["output"])
	assert.Equal(t, float64(1), out["attempts"])
}

func TestToolExecuteBadRequest(t *testing.T) {
	h, _ := newTestServer(t, nil, "", nil)

	rec := doRequest(t, h, http.MethodPost, "/v1/tools/execute", `{`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/v1/tools/execute", `{"args":{}}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "invalid_request", out["error"])
}

func TestToolExecuteUnknownToolReturns403(t *testing.T) {
	h, _ := newTestServer(t, nil, "", nil)

	rec := doRequest(t, h, http.MethodPost, "/v1/tools/execute", `{"tool":"ghost"}`, true)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "admission_blocked", out["error"])
}

func TestToolExecuteJudgeBlockReturns403(t *testing.T) {
	mj := &testutil.MockJudge{Content: "BLOCK: command wipes the data directory"}
	h, orc := newTestServer(t, nil, "", []orchestrator.Option{orchestrator.WithJudge(mj)})
	orc.Registry().Register(tool.Func{
		ToolName: "shell_exec",
		Desc:     "runs a command",
		Fn:       func(_ context.Context, _ map[string]any) (any, error) { return "ran", nil },
	})

	body := `{"tool":"shell_exec","args":{"command":"rm -rf /data"}}`
	rec := doRequest(t, h, http.MethodPost, "/v1/tools/execute", body, true)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "admission_blocked", out["error"])
	assert.Contains(t, out["message"], "wipes the data directory")
}

func TestToolExecuteConfirmationFlow(t *testing.T) {
	h, orc := newTestServer(t, nil, "", nil)
	orc.Registry().Register(tool.Func{
		ToolName: "delete_records",
		Desc:     "deletes records",
		Fn:       func(_ context.Context, _ map[string]any) (any, error) { return "deleted", nil },
	})

	body := `{"tool":"delete_records","args":{"table":"users"}}`
	rec := doRequest(t, h, http.MethodPost, "/v1/tools/execute", body, true)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "confirmation_required", out["status"])
	dec, _ := out["decision"].(map[string]interface{})
	require.NotNil(t, dec)
	assert.Equal(t, true, dec["requires_confirmation"])

	confirmed := `{"tool":"delete_records","args":{"table":"users"},"confirmed":true}`
	rec = doRequest(t, h, http.MethodPost, "/v1/tools/execute", confirmed, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	out = decodeBody(t, rec)
	assert.Equal(t, "deleted", out["output"])
}

func TestToolExecuteRateLimitedReturns429(t *testing.T) {
	cfg := serverConfig()
	cfg.RateLimitDefault = 2
	h, _ := newTestServer(t, cfg, "", nil)

	body := `{"tool":"echo","args":{"msg":"x"}}`
	for i := 0; i < 2; i++ {
		rec := doRequest(t, h, http.MethodPost, "/v1/tools/execute", body, true)
		require.Equal(t, http.StatusOK, rec.Code, "call %d should pass", i+1)
	}
	rec := doRequest(t, h, http.MethodPost, "/v1/tools/execute", body, true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	out := decodeBody(t, rec)
	assert.Equal(t, "rate_limit_exceeded", out["error"])
}

func TestToolsListEndpoint(t *testing.T) {
	h, orc := newTestServer(t, nil, "", nil)
	orc.Registry().Register(tool.Func{
		ToolName: "undeclared_probe",
		Desc:     "not in the manifest",
		Fn:       func(_ context.Context, _ map[string]any) (any, error) { return nil, nil },
	})

	rec := doRequest(t, h, http.MethodGet, "/v1/tools", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	tools, _ := out["tools"].([]interface{})
	require.NotEmpty(t, tools)

	byName := map[string]map[string]interface{}{}
	for _, it := range tools {
		entry := it.(map[string]interface{})
		byName[entry["name"].(string)] = entry
	}
	require.Contains(t, byName, "echo")
	assert.Equal(t, true, byName["echo"]["declared"])
	assert.Equal(t, "low", byName["echo"]["risk_level"])
	require.Contains(t, byName, "undeclared_probe")
	assert.Equal(t, false, byName["undeclared_probe"]["declared"])
	assert.Equal(t, "high", byName["undeclared_probe"]["risk_level"], "undeclared tools rank high risk")
}

func TestAdmissionVetEndpoint(t *testing.T) {
	h, _ := newTestServer(t, nil, "", nil)

	body := `{"tool":"echo","args":{"msg":"hi"},"user_request":"greet"}`
	rec := doRequest(t, h, http.MethodPost, "/v1/admission/vet", body, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, true, out["allowed"])
	assert.Equal(t, "low", out["risk_level"])
}

func TestAdmissionSanitizeEndpoint(t *testing.T) {
	mj := &testutil.MockJudge{}
	h, _ := newTestServer(t, nil, "", []orchestrator.Option{orchestrator.WithJudge(mj)})

	// Trusted source passes through without a judge round trip.
	body := `{"content":"deploy finished","source":"user"}`
	rec := doRequest(t, h, http.MethodPost, "/v1/admission/sanitize", body, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, true, out["is_safe"])
	assert.Equal(t, 0, mj.Calls())

	rec = doRequest(t, h, http.MethodPost, "/v1/admission/sanitize", `{"source":"user"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitCheckEndpoint(t *testing.T) {
	cfg := serverConfig()
	cfg.RateLimitDefault = 2
	h, _ := newTestServer(t, cfg, "", nil)

	body := `{"endpoint":"reports"}`
	for i := 0; i < 2; i++ {
		rec := doRequest(t, h, http.MethodPost, "/v1/ratelimit/check", body, true)
		require.Equal(t, http.StatusOK, rec.Code)
		out := decodeBody(t, rec)
		assert.Equal(t, true, out["allowed"])
	}
	rec := doRequest(t, h, http.MethodPost, "/v1/ratelimit/check", body, true)
	assert.Equal(t, http.StatusOK, rec.Code, "check reports the decision, it does not reject the request")
	out := decodeBody(t, rec)
	assert.Equal(t, false, out["allowed"])
	assert.NotNil(t, out["retry_after_ms"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// A different subject gets its own window.
	rec = doRequest(t, h, http.MethodPost, "/v1/ratelimit/check", `{"subject":"bob","endpoint":"reports"}`, true)
	out = decodeBody(t, rec)
	assert.Equal(t, true, out["allowed"])
}

func TestPoliciesEndpoints(t *testing.T) {
	h, _ := newTestServer(t, nil, "", nil)

	rec := doRequest(t, h, http.MethodGet, "/v1/policies", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "test-service", out["service"])
	assert.NotEmpty(t, out["hash"])
	tools, _ := out["tools"].([]interface{})
	assert.NotEmpty(t, tools)

	rec = doRequest(t, h, http.MethodGet, "/v1/policies/web_fetch", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	out = decodeBody(t, rec)
	assert.Equal(t, "web_fetch", out["name"])
	assert.Equal(t, "medium", out["risk_level"])

	rec = doRequest(t, h, http.MethodGet, "/v1/policies/ghost", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowValidateEndpoint(t *testing.T) {
	h, _ := newTestServer(t, nil, "", nil)

	valid := `{"name":"ok","steps":[{"id":"a","tool":"echo"},{"id":"b","tool":"echo","depends_on":["a"]}]}`
	rec := doRequest(t, h, http.MethodPost, "/v1/workflows/validate", valid, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, true, out["valid"])
	assert.Equal(t, float64(2), out["steps"])

	cyclic := `{"name":"loop","steps":[{"id":"a","tool":"echo","depends_on":["b"]},{"id":"b","tool":"echo","depends_on":["a"]}]}`
	rec = doRequest(t, h, http.MethodPost, "/v1/workflows/validate", cyclic, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	out = decodeBody(t, rec)
	assert.Equal(t, "workflow_cycle", out["error"])
}

func TestWorkflowRunEndpoint(t *testing.T) {
	h, _ := newTestServer(t, nil, "", nil)

	body := `{"workflow":{"name":"pipeline","steps":[
		{"id":"fetch","tool":"echo","input":{"msg":"raw"}},
		{"id":"summarize","tool":"echo","input":{"msg":"summary"},"depends_on":["fetch"]}
	]},"input":{}}`
	rec := doRequest(t, h, http.MethodPost, "/v1/workflows/run", body, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.True(t, strings.HasPrefix(out["workflow_id"].(string), "wf_"))
	assert.Equal(t, "summary", out["output"])
	assert.Equal(t, float64(2), out["waves"])
}

func TestWorkflowRunStepFailure(t *testing.T) {
	h, _ := newTestServer(t, nil, "", nil)

	body := `{"workflow":{"name":"broken","steps":[{"id":"a","tool":"no_such_tool"}]}}`
	rec := doRequest(t, h, http.MethodPost, "/v1/workflows/run", body, true)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "workflow_step_failed", out["error"])
	assert.NotEmpty(t, out["workflow_id"], "partial run state is reported")
}

func TestRetryPolicyEndpoints(t *testing.T) {
	h, _ := newTestServer(t, nil, "", nil)

	body := `{"tool":"flaky_api","max_attempts":5,"initial_delay_ms":100,"idempotent":true}`
	rec := doRequest(t, h, http.MethodPost, "/v1/retry-policies", body, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, float64(5), out["max_attempts"])
	assert.Equal(t, float64(100), out["initial_delay_ms"])
	assert.Equal(t, true, out["idempotent"])
	// Zero fields inherit engine defaults.
	assert.Equal(t, float64(10000), out["max_delay_ms"])

	rec = doRequest(t, h, http.MethodGet, "/v1/retry-policies/flaky_api", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	out = decodeBody(t, rec)
	assert.Equal(t, float64(5), out["max_attempts"])

	// Unregistered tools report the default policy.
	rec = doRequest(t, h, http.MethodGet, "/v1/retry-policies/unseen", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	out = decodeBody(t, rec)
	assert.Equal(t, float64(3), out["max_attempts"])
	assert.Equal(t, false, out["idempotent"])
}

func TestAuditEndpointsDisabled(t *testing.T) {
	h, _ := newTestServer(t, nil, "", nil)

	rec := doRequest(t, h, http.MethodGet, "/v1/audit", "", true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "disabled", out["error"])
}

func TestAuditEndpoints(t *testing.T) {
	store := testutil.NewAuditStore(t)
	orcOpts := []orchestrator.Option{
		orchestrator.WithJudge(&testutil.MockJudge{}),
		orchestrator.WithAuditStore(store),
	}
	h, _ := newTestServer(t, nil, "", orcOpts)

	rec := doRequest(t, h, http.MethodPost, "/v1/tools/execute", `{"tool":"echo","args":{"msg":"hi"}}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/v1/audit?stage=execution&limit=10", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	records, _ := out["records"].([]interface{})
	require.NotEmpty(t, records)
	first := records[0].(map[string]interface{})
	assert.Equal(t, "tester", first["subject"], "audit subject comes from the API key")
	assert.Equal(t, "echo", first["tool"])

	id := first["id"].(string)
	rec = doRequest(t, h, http.MethodGet, "/v1/audit/"+id, "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody(t, rec)
	assert.Equal(t, id, got["id"])

	rec = doRequest(t, h, http.MethodGet, "/v1/audit/"+id+"/verify", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	verdict := decodeBody(t, rec)
	assert.Equal(t, true, verdict["valid"])

	rec = doRequest(t, h, http.MethodGet, "/v1/audit/rec_missing", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggersListEndpoint(t *testing.T) {
	manifest := testutil.DefaultManifestYAML + `triggers:
  schedule:
    - cron: "0 9 * * 1"
      workflow: workflows/report.json
  webhooks:
    - name: deploy
      source: github
      workflow: workflows/deploy.json
`
	h, _ := newTestServer(t, nil, manifest, nil)

	rec := doRequest(t, h, http.MethodGet, "/v1/triggers", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	webhooks, _ := out["webhooks"].([]interface{})
	require.Len(t, webhooks, 1)
	wh := webhooks[0].(map[string]interface{})
	assert.Equal(t, "deploy", wh["name"])
	assert.Equal(t, "github", wh["source"])
	schedules, _ := out["schedules"].([]interface{})
	require.Len(t, schedules, 1)
}

func TestStatusEndpoint(t *testing.T) {
	h, _ := newTestServer(t, nil, "", nil, WithVersion("1.2.3"))

	rec := doRequest(t, h, http.MethodGet, "/v1/status", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "1.2.3", out["version"])
	assert.Equal(t, "test-service", out["service"])
	assert.Equal(t, false, out["audit_enabled"])
	assert.GreaterOrEqual(t, out["tools_registered"], float64(1))
}

func TestWebhookTriggerEndToEnd(t *testing.T) {
	manifest := testutil.DefaultManifestYAML + `triggers:
  webhooks:
    - name: deploy
      source: github
      workflow: workflows/deploy.json
      subject: release-bot
`
	dir := t.TempDir()
	testutil.WriteManifest(t, dir, manifest)
	m, err := policy.LoadManifest(context.Background(), "warden.yaml", false, dir)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "workflows"), 0o755))
	plan := `{"name":"deploy","steps":[{"id":"announce","tool":"echo","input":{"msg":"deployed"}}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workflows", "deploy.json"), []byte(plan), 0o600))

	orc, err := orchestrator.New(serverConfig(), m, orchestrator.WithJudge(&testutil.MockJudge{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = orc.Close() })
	orc.Registry().Register(tool.Func{
		ToolName: "echo",
		Desc:     "echoes msg back",
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			return args["msg"], nil
		},
	})

	hooks := trigger.NewWebhookHandler(orc, m, dir)
	srv := NewServer(orc, map[string]string{testKey: "tester"}, WithWebhooks(hooks))
	h := srv.Routes()

	// Webhooks are unauthenticated; attribution comes from the trigger.
	rec := doRequest(t, h, http.MethodPost, "/v1/triggers/deploy", `{"action":"completed"}`, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "deployed", out["output"])

	rec = doRequest(t, h, http.MethodPost, "/v1/triggers/ghost", `{}`, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestThrottleMiddleware(t *testing.T) {
	// 60 rpm -> a burst of 6 immediate requests before the bucket empties.
	h, _ := newTestServer(t, nil, "", nil, WithThrottle(NewThrottle(60, 0)))

	var last *httptest.ResponseRecorder
	allowed := 0
	for i := 0; i < 8; i++ {
		last = doRequest(t, h, http.MethodGet, "/v1/tools", "", true)
		if last.Code == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 6, allowed)
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "1", last.Header().Get("Retry-After"))
	out := decodeBody(t, last)
	assert.Equal(t, "throttled", out["error"])
}

func TestThrottleDisabledIsPassthrough(t *testing.T) {
	assert.Nil(t, NewThrottle(0, 100))

	h, _ := newTestServer(t, nil, "", nil, WithThrottle(nil))
	for i := 0; i < 20; i++ {
		rec := doRequest(t, h, http.MethodGet, "/v1/tools", "", true)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newTestServer(t, nil, "", nil)

	req := httptest.NewRequest(http.MethodOptions, "/v1/tools", nil)
	req.Header.Set("Origin", "https://console.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Warden-Key")
}

func TestStatusForMapsFaultKinds(t *testing.T) {
	cases := []struct {
		kind string
		want int
	}{
		{"admission_blocked", http.StatusForbidden},
		{"rate_limit_exceeded", http.StatusTooManyRequests},
		{"concurrency_limit_exceeded", http.StatusTooManyRequests},
		{"tool_timeout", http.StatusGatewayTimeout},
		{"workflow_timeout", http.StatusGatewayTimeout},
		{"tool_execution_error", http.StatusBadGateway},
		{"workflow_step_failed", http.StatusBadGateway},
		{"workflow_cycle", http.StatusBadRequest},
		{"workflow_unresolvable_dependency", http.StatusBadRequest},
		{"something_else", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			assert.Equal(t, tc.want, statusFor(fault.Kind(tc.kind)))
		})
	}
}
