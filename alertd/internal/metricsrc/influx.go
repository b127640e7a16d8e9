package metricsrc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Influx queries an InfluxDB 1.x /query endpoint with InfluxQL.
type Influx struct {
	httpClient
	endpoint string
}

// NewInflux creates an Influx client. A URL without a path gets /query appended.
func NewInflux(cfg Config, logger *slog.Logger) *Influx {
	c := newHTTPClient(cfg, "influx", logger)
	endpoint := c.cfg.URL
	if u, err := url.Parse(endpoint); err == nil && (u.Path == "" || u.Path == "/") {
		endpoint = strings.TrimRight(endpoint, "/") + "/query"
	}
	return &Influx{httpClient: c, endpoint: endpoint}
}

// Series is one result series of an InfluxQL query.
type Series struct {
	Name    string            `json:"name"`
	Tags    map[string]string `json:"tags,omitempty"`
	Columns []string          `json:"columns"`
	Values  [][]any           `json:"values"`
}

// Rows zips columns and values. Numeric values are json.Number.
func (s Series) Rows() []map[string]any {
	rows := make([]map[string]any, 0, len(s.Values))
	for _, vals := range s.Values {
		row := make(map[string]any, len(s.Columns))
		for i, col := range s.Columns {
			if i < len(vals) {
				row[col] = vals[i]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// First returns the first row, or nil.
func (s Series) First() map[string]any {
	if len(s.Values) == 0 {
		return nil
	}
	return s.Rows()[0]
}

type influxResponse struct {
	Results []struct {
		Series []Series `json:"series"`
		Error  string   `json:"error,omitempty"`
	} `json:"results"`
	Error string `json:"error,omitempty"`
}

// Query runs an InfluxQL statement and returns the series of its first result.
// No series is not an error.
func (c *Influx) Query(ctx context.Context, q string) ([]Series, error) {
	start := time.Now()

	params := url.Values{"q": {q}}
	if c.cfg.Database != "" {
		params.Set("db", c.cfg.Database)
	}
	body, err := c.get(ctx, c.endpoint+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var resp influxResponse
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("unmarshal influx response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("influx query failed: %s", resp.Error)
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	if resp.Results[0].Error != "" {
		return nil, fmt.Errorf("influx query failed: %s", resp.Results[0].Error)
	}

	series := resp.Results[0].Series
	c.logger.Debug("influx query", "series", len(series), "duration", time.Since(start))
	return series, nil
}

// QuoteString renders v as an InfluxQL single-quoted string literal.
func QuoteString(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// QuoteIdent renders v as an InfluxQL double-quoted identifier.
func QuoteIdent(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(v) + `"`
}
