package insights

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewatch/pipewatch/pkg/types"
	"github.com/pipewatch/pipewatch/server/internal/compute"
	"github.com/pipewatch/pipewatch/server/internal/config"
)

type captured struct {
	mu     sync.Mutex
	bodies []map[string]interface{}
}

func (c *captured) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var m map[string]interface{}
		_ = json.Unmarshal(data, &m)
		c.mu.Lock()
		c.bodies = append(c.bodies, m)
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (c *captured) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func testInsight(sev types.Severity) types.Insight {
	pid := "p1"
	return types.Insight{
		ID:             "i-1",
		Type:           types.InsightPrediction,
		Severity:       sev,
		Title:          "High failure risk",
		Message:        "Pipeline p1 is failing.",
		Recommendation: recommendReview,
		Confidence:     0.84,
		PipelineID:     &pid,
	}
}

func TestWebhookPayloads(t *testing.T) {
	tests := []struct {
		typ   string
		check func(t *testing.T, body map[string]interface{})
	}{
		{"slack", func(t *testing.T, body map[string]interface{}) {
			assert.Contains(t, body["text"], "[HIGH]")
			assert.Contains(t, body["text"], "High failure risk")
		}},
		{"teams", func(t *testing.T, body map[string]interface{}) {
			assert.Equal(t, "MessageCard", body["@type"])
			assert.Equal(t, "FFAB40", body["themeColor"])
		}},
		{"http", func(t *testing.T, body map[string]interface{}) {
			in, ok := body["insight"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, "i-1", in["id"])
			assert.Equal(t, "p1", in["pipeline_id"])
		}},
	}
	for _, tc := range tests {
		t.Run(tc.typ, func(t *testing.T) {
			c := &captured{}
			srv := httptest.NewServer(c.handler(http.StatusOK))
			defer srv.Close()
			t.Setenv("TEST_WEBHOOK_URL", srv.URL)

			w := NewWebhooks([]config.WebhookConfig{{Type: tc.typ, URLEnv: "TEST_WEBHOOK_URL"}}, nil)
			w.Notify(testInsight(types.SeverityHigh))
			w.Wait()

			require.Equal(t, 1, c.len())
			tc.check(t, c.bodies[0])
		})
	}
}

func TestWebhookMinSeverity(t *testing.T) {
	c := &captured{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()
	t.Setenv("TEST_WEBHOOK_URL", srv.URL)

	w := NewWebhooks([]config.WebhookConfig{{Type: "http", URLEnv: "TEST_WEBHOOK_URL"}}, nil)
	w.Notify(testInsight(types.SeverityMedium))
	w.Wait()
	assert.Equal(t, 0, c.len(), "default minimum is high")

	w.SetTargets([]config.WebhookConfig{{Type: "http", URLEnv: "TEST_WEBHOOK_URL", MinSeverity: "info"}})
	w.Notify(testInsight(types.SeverityInfo))
	w.Wait()
	assert.Equal(t, 1, c.len())
}

func TestWebhookFailureDoesNotPanic(t *testing.T) {
	c := &captured{}
	srv := httptest.NewServer(c.handler(http.StatusInternalServerError))
	defer srv.Close()
	t.Setenv("TEST_WEBHOOK_URL", srv.URL)

	w := NewWebhooks([]config.WebhookConfig{
		{Type: "http", URLEnv: "TEST_WEBHOOK_URL"},
		{Type: "slack", URLEnv: "UNSET_WEBHOOK_URL"},
	}, nil)
	w.Notify(testInsight(types.SeverityCritical))
	w.Wait()
	assert.Equal(t, 1, c.len())
}

func TestGeneratorDeliversThroughWebhooks(t *testing.T) {
	c := &captured{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()
	t.Setenv("TEST_WEBHOOK_URL", srv.URL)

	w := NewWebhooks([]config.WebhookConfig{{Type: "http", URLEnv: "TEST_WEBHOOK_URL"}}, nil)
	g := New(DefaultPolicy(), nil, WithNotifier(w))
	g.Generate(highRisk("p1"), compute.Overview{}, now0)
	g.Generate(highRisk("p1"), compute.Overview{}, now0)
	w.Wait()
	assert.Equal(t, 1, c.len())
}
