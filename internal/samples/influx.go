package samples

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/vigil/backend/internal/core"
)

// InfluxSource reads monitor samples from an InfluxDB v3 SQL endpoint
// (POST /api/v3/query_sql). Collection agents write into the same database;
// this gateway only ever reads.
type InfluxSource struct {
	baseURL  string
	token    string
	database string
	client   *http.Client
}

// queryTimeout caps one window query end to end. The evaluation loop is
// single-threaded, so a hung backend must not be allowed to park it.
const queryTimeout = 30 * time.Second

// NewInfluxSource builds a source against baseURL with a bearer token and a
// logical database. The HTTP client is pooled and shared across queries.
func NewInfluxSource(baseURL, token, database string) *InfluxSource {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = queryTimeout
	return &InfluxSource{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		database: database,
		client:   client,
	}
}

type queryRequest struct {
	Database string `json:"db"`
	Query    string `json:"query"`
	Format   string `json:"format"`
}

// Window implements Source. Monitor IDs are generated by this system
// (prefix + hex), so embedding them in the query is safe; the interval and
// limit are integers we control.
func (s *InfluxSource) Window(ctx context.Context, monitorID string, dur time.Duration, limit int) ([]core.Sample, error) {
	q := fmt.Sprintf(
		`SELECT * FROM "monitor_data" WHERE "monitor_id" = '%s' AND time >= now() - INTERVAL '%d seconds' ORDER BY time DESC LIMIT %d`,
		monitorID, int(dur.Seconds()), limit,
	)

	body, err := json.Marshal(queryRequest{Database: s.database, Query: q, Format: "json"})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v3/query_sql", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: query returned %d", ErrBackendUnavailable, resp.StatusCode)
	}

	var rows []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrBackendUnavailable, err)
	}

	window := make([]core.Sample, 0, len(rows))
	for _, row := range rows {
		window = append(window, rowToSample(monitorID, row))
	}
	// The query orders by time DESC already; re-sorting guards against
	// backends that ignore ORDER BY on unbounded partitions.
	sort.SliceStable(window, func(i, j int) bool { return window[i].Time.After(window[j].Time) })
	return window, nil
}

// rowToSample splits a result row into tags (strings) and fields (numbers).
// Booleans become 1/0 so conditions like is_up == 0 work; the "time" and
// "monitor_id" columns are structural, not fields.
func rowToSample(monitorID string, row map[string]interface{}) core.Sample {
	sample := core.Sample{
		MonitorID: monitorID,
		Tags:      map[string]string{},
		Fields:    map[string]float64{},
	}
	for k, v := range row {
		switch k {
		case "time":
			if ts, ok := v.(string); ok {
				if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
					sample.Time = parsed
				}
			}
		case "monitor_id":
			// already carried on the sample
		default:
			switch val := v.(type) {
			case float64:
				sample.Fields[k] = val
			case bool:
				if val {
					sample.Fields[k] = 1
				} else {
					sample.Fields[k] = 0
				}
			case string:
				sample.Tags[k] = val
			case nil:
				// null field values are skipped entirely
			}
		}
	}
	return sample
}
