package metricsrc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/common/model"
)

// Prometheus queries the Prometheus HTTP API.
type Prometheus struct {
	httpClient
}

// NewPrometheus creates a Prometheus client.
func NewPrometheus(cfg Config, logger *slog.Logger) *Prometheus {
	return &Prometheus{httpClient: newHTTPClient(cfg, "prometheus", logger)}
}

type promResponse struct {
	Status    string `json:"status"`
	ErrorType string `json:"errorType,omitempty"`
	Error     string `json:"error,omitempty"`
	Data      struct {
		ResultType model.ValueType `json:"resultType"`
		Result     json.RawMessage `json:"result"`
	} `json:"data"`
}

// Query runs an instant query and returns its vector result.
func (p *Prometheus) Query(ctx context.Context, promql string) (model.Vector, error) {
	start := time.Now()

	u := p.cfg.URL + "/api/v1/query?" + url.Values{"query": {promql}}.Encode()
	body, err := p.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("prometheus query: %w", err)
	}

	var resp promResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal prometheus response: %w", err)
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("prometheus query failed: %s: %s", resp.ErrorType, resp.Error)
	}
	if resp.Data.ResultType != model.ValVector {
		return nil, fmt.Errorf("prometheus query returned %s, want vector", resp.Data.ResultType)
	}

	var vec model.Vector
	if err := json.Unmarshal(resp.Data.Result, &vec); err != nil {
		return nil, fmt.Errorf("unmarshal vector: %w", err)
	}

	p.logger.Debug("prometheus query", "samples", len(vec), "duration", time.Since(start))
	return vec, nil
}

// QuoteLabel renders v as a PromQL string literal.
func QuoteLabel(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(v) + `"`
}
