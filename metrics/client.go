// Package metrics records run outcomes and pushes them to a Prometheus
// remote write endpoint at the end of a run.
//
// Convoke is a run-to-completion tool, not a long-lived daemon, so there is
// no scrape surface: metrics are collected in-process with a Prometheus
// registry and pushed once the run report is final.
package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// DefaultTimeout is the default timeout for HTTP requests.
const DefaultTimeout = 30 * time.Second

// Metric represents a single metric point.
type Metric struct {
	Name      string
	Value     float64
	Labels    map[string]string
	Timestamp time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPrefix sets the metric name prefix. All metric names are prefixed with
// this value followed by an underscore.
func WithPrefix(prefix string) ClientOption {
	return func(c *Client) { c.prefix = prefix }
}

// WithJob sets the job label added to all pushed metrics.
func WithJob(job string) ClientOption {
	return func(c *Client) { c.job = job }
}

// WithInstance sets the instance label added to all pushed metrics.
func WithInstance(instance string) ClientOption {
	return func(c *Client) { c.instance = instance }
}

// WithTimeout sets the HTTP client timeout. Defaults to DefaultTimeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// Client pushes metrics to a Prometheus/VictoriaMetrics remote write endpoint.
type Client struct {
	url        string
	httpClient *http.Client
	prefix     string
	job        string
	instance   string
}

// NewClient creates a Client for the remote write endpoint at url.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:        url + "/api/v1/write",
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PushMetrics sends the given metrics as a single remote write request.
func (c *Client) PushMetrics(ctx context.Context, metrics ...Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	timeseries := make([]prompb.TimeSeries, 0, len(metrics))
	for _, metric := range metrics {
		timeseries = append(timeseries, c.metricToTimeSeries(metric))
	}

	req := &prompb.WriteRequest{
		Timeseries: timeseries,
	}

	data, err := proto.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling write request: %w", err)
	}

	compressed := snappy.Encode(nil, data)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// metricToTimeSeries converts a Metric to Prometheus TimeSeries format.
func (c *Client) metricToTimeSeries(metric Metric) prompb.TimeSeries {
	labels := make([]prompb.Label, 0, len(metric.Labels)+3)

	name := metric.Name
	if c.prefix != "" {
		name = c.prefix + "_" + name
	}
	labels = append(labels, prompb.Label{
		Name:  "__name__",
		Value: name,
	})

	for k, v := range metric.Labels {
		labels = append(labels, prompb.Label{Name: k, Value: v})
	}
	if c.job != "" {
		if _, ok := metric.Labels["job"]; !ok {
			labels = append(labels, prompb.Label{Name: "job", Value: c.job})
		}
	}
	if c.instance != "" {
		if _, ok := metric.Labels["instance"]; !ok {
			labels = append(labels, prompb.Label{Name: "instance", Value: c.instance})
		}
	}

	timestamp := metric.Timestamp.UnixMilli()
	if metric.Timestamp.IsZero() {
		timestamp = time.Now().UnixMilli()
	}

	return prompb.TimeSeries{
		Labels: labels,
		Samples: []prompb.Sample{{
			Value:     metric.Value,
			Timestamp: timestamp,
		}},
	}
}
