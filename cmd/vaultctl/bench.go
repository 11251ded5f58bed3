package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenneth/chunkvault/internal/auth"
)

var (
	benchURL            string
	benchToken          string
	benchUser           string
	benchWorkers        int
	benchDuration       time.Duration
	benchQPS            int
	benchFileSize       int
	benchChunkSize      int
	benchBaselineDir    string
	benchThreshold      float64
	benchPrometheusURL  string
	benchUpdateBaseline bool
)

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run an upload/download load test against a server",
		Long: `Run a load test against a running chunkvault server. Every worker uploads
a file through the three upload phases, downloads and verifies it, then
permanently deletes it.

Results are compared against a stored baseline and the command fails when
latency, throughput or error rate regress beyond the threshold.

Examples:
  # 30 second run with 5 workers using a token minted from the config
  vaultctl bench --url http://localhost:8080

  # Record a new baseline
  vaultctl bench --update-baseline

  # Include server-side quantiles from Prometheus
  vaultctl bench --prometheus-url http://localhost:9090`,
		Args: cobra.NoArgs,
		RunE: runBench,
	}

	cmd.Flags().StringVar(&benchURL, "url", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&benchToken, "token", "", "bearer token (default: minted from the config for --user)")
	cmd.Flags().StringVar(&benchUser, "user", "vaultctl-bench", "owner id for the minted token")
	cmd.Flags().IntVar(&benchWorkers, "workers", 5, "number of worker goroutines")
	cmd.Flags().DurationVar(&benchDuration, "duration", 30*time.Second, "test duration")
	cmd.Flags().IntVar(&benchQPS, "qps", 2, "file round trips per second per worker")
	cmd.Flags().IntVar(&benchFileSize, "file-size", 10*1024*1024, "size of each test file in bytes")
	cmd.Flags().IntVar(&benchChunkSize, "chunk-size", 4*1024*1024, "upload chunk size in bytes")
	cmd.Flags().StringVar(&benchBaselineDir, "baseline-dir", "testdata/baselines", "directory for baseline files")
	cmd.Flags().Float64Var(&benchThreshold, "threshold", 10.0, "regression threshold percentage")
	cmd.Flags().StringVar(&benchPrometheusURL, "prometheus-url", "", "Prometheus URL for server-side metrics")
	cmd.Flags().BoolVar(&benchUpdateBaseline, "update-baseline", false, "write the baseline instead of checking for regressions")

	return cmd
}

// benchConfig holds configuration for one load test run.
type benchConfig struct {
	URL       string
	Token     string
	Workers   int
	Duration  time.Duration
	QPS       int
	FileSize  int
	ChunkSize int
}

// benchMetrics holds the results of a load test run. It is also the
// baseline file format.
type benchMetrics struct {
	Timestamp          time.Time     `json:"timestamp"`
	TestName           string        `json:"test_name"`
	Duration           time.Duration `json:"duration"`
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	Uploads            int64         `json:"uploads"`
	Downloads          int64         `json:"downloads"`
	VerifyFailures     int64         `json:"verify_failures"`
	P50Latency         time.Duration `json:"p50_latency"`
	P95Latency         time.Duration `json:"p95_latency"`
	P99Latency         time.Duration `json:"p99_latency"`
	AvgLatency         time.Duration `json:"avg_latency"`
	MinLatency         time.Duration `json:"min_latency"`
	MaxLatency         time.Duration `json:"max_latency"`
	Throughput         float64       `json:"throughput_req_per_sec"`
	TotalBytesSent     int64         `json:"total_bytes_sent"`
	TotalBytesReceived int64         `json:"total_bytes_received"`
	ErrorRate          float64       `json:"error_rate"`
}

// regressionResult compares a run with its baseline.
type regressionResult struct {
	TestName              string
	Baseline              *benchMetrics
	Current               *benchMetrics
	LatencyRegression     float64 // percentage change in p95 latency
	ThroughputRegression  float64 // percentage change in throughput
	ErrorRateRegression   float64 // percentage points
	SignificantRegression bool
	Details               []string
}

func runBench(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	out := cmd.OutOrStdout()

	token := benchToken
	if token == "" {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("no --token given: %w", err)
		}
		token, err = auth.GenerateToken(benchUser, cfg.Auth.Issuer, []byte(cfg.Auth.JWTSecret), benchDuration+time.Hour)
		if err != nil {
			return err
		}
	}

	cfg := benchConfig{
		URL:       strings.TrimSuffix(benchURL, "/"),
		Token:     token,
		Workers:   benchWorkers,
		Duration:  benchDuration,
		QPS:       benchQPS,
		FileSize:  benchFileSize,
		ChunkSize: benchChunkSize,
	}

	fmt.Fprintln(out, "=== chunkvault load test ===")
	fmt.Fprintf(out, "Server URL: %s\n", cfg.URL)
	fmt.Fprintf(out, "Duration: %v\n", cfg.Duration)
	fmt.Fprintf(out, "Workers: %d\n", cfg.Workers)
	fmt.Fprintf(out, "Round trips per second per worker: %d\n", cfg.QPS)
	fmt.Fprintf(out, "File size: %s (chunks of %s)\n", formatBytes(int64(cfg.FileSize)), formatBytes(int64(cfg.ChunkSize)))
	fmt.Fprintln(out)

	start := time.Now()
	results, err := runBenchLoad(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	printBenchResults(out, results)

	if benchPrometheusURL != "" {
		serverMetrics, err := queryPrometheusMetrics(cmd.Context(), benchPrometheusURL, time.Now())
		if err != nil {
			logger.WithError(err).Warn("Failed to query Prometheus metrics")
		} else {
			for name, value := range serverMetrics {
				fmt.Fprintf(out, "%s: %.4f\n", name, value)
			}
		}
	}

	if err := os.MkdirAll(benchBaselineDir, 0o755); err != nil {
		return fmt.Errorf("failed to create baseline directory: %w", err)
	}
	baselineFile := filepath.Join(benchBaselineDir, results.TestName+"_baseline.json")

	if benchUpdateBaseline {
		if err := saveBaseline(results, baselineFile); err != nil {
			return err
		}
		fmt.Fprintf(out, "Baseline written to %s\n", baselineFile)
		return nil
	}

	if _, err := os.Stat(baselineFile); os.IsNotExist(err) {
		fmt.Fprintf(out, "No baseline at %s, run with --update-baseline to create one\n", baselineFile)
		return nil
	}

	regression, err := analyzeRegression(results, baselineFile, benchThreshold)
	if err != nil {
		return err
	}
	printRegressionResult(out, regression)

	logger.WithField("elapsed", time.Since(start)).Info("Load test finished")
	if regression.SignificantRegression {
		return fmt.Errorf("significant regression detected")
	}
	return nil
}

// runBenchLoad drives cfg.Workers workers for cfg.Duration. Each tick is
// one upload, download and permanent delete of a fresh file.
func runBenchLoad(ctx context.Context, cfg benchConfig, logger *logrus.Logger) (*benchMetrics, error) {
	if cfg.Workers <= 0 || cfg.QPS <= 0 {
		return nil, fmt.Errorf("workers and qps must be positive")
	}
	if cfg.FileSize < 0 || cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("file size must not be negative and chunk size must be positive")
	}

	logger.WithFields(logrus.Fields{
		"workers":    cfg.Workers,
		"duration":   cfg.Duration,
		"qps":        cfg.QPS,
		"file_size":  cfg.FileSize,
		"chunk_size": cfg.ChunkSize,
	}).Info("Starting load test")

	results := &benchMetrics{
		Timestamp:  time.Now(),
		TestName:   fmt.Sprintf("roundtrip_%d", cfg.FileSize),
		MinLatency: time.Hour,
	}

	data := make([]byte, cfg.FileSize)
	for i := range data {
		data[i] = byte(i % 251)
	}

	var (
		wg          sync.WaitGroup
		latencies   []time.Duration
		latenciesMu sync.Mutex
	)
	record := func(d time.Duration) {
		latenciesMu.Lock()
		latencies = append(latencies, d)
		if d < results.MinLatency {
			results.MinLatency = d
		}
		if d > results.MaxLatency {
			results.MaxLatency = d
		}
		latenciesMu.Unlock()
	}
	count := func(err error) bool {
		atomic.AddInt64(&results.TotalRequests, 1)
		if err != nil {
			atomic.AddInt64(&results.FailedRequests, 1)
			return false
		}
		atomic.AddInt64(&results.SuccessfulRequests, 1)
		return true
	}

	interval := time.Second / time.Duration(cfg.QPS)
	if interval <= 0 {
		interval = time.Millisecond
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	startTime := time.Now()
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			client := &benchClient{
				baseURL: cfg.URL,
				token:   cfg.Token,
				http:    &http.Client{Timeout: 2 * time.Minute},
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			seq := 0
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
				}
				seq++
				name := fmt.Sprintf("bench-w%d-%d.bin", workerID, seq)

				reqStart := time.Now()
				fileID, err := client.upload(ctx, name, data, cfg.ChunkSize)
				if !count(err) {
					logger.WithError(err).WithField("worker", workerID).Debug("Upload failed")
					continue
				}
				record(time.Since(reqStart))
				atomic.AddInt64(&results.Uploads, 1)
				atomic.AddInt64(&results.TotalBytesSent, int64(len(data)))

				reqStart = time.Now()
				got, err := client.download(ctx, fileID)
				if count(err) {
					record(time.Since(reqStart))
					atomic.AddInt64(&results.Downloads, 1)
					atomic.AddInt64(&results.TotalBytesReceived, int64(len(got)))
					if !bytes.Equal(got, data) {
						atomic.AddInt64(&results.VerifyFailures, 1)
						logger.WithField("file_id", fileID).Warn("Downloaded content does not match upload")
					}
				} else {
					logger.WithError(err).WithField("file_id", fileID).Debug("Download failed")
				}

				if err := client.purge(ctx, fileID); err != nil {
					logger.WithError(err).WithField("file_id", fileID).Warn("Failed to delete benchmark file")
				}
			}
		}(i)
	}
	wg.Wait()

	results.Duration = time.Since(startTime)
	if len(latencies) == 0 {
		results.MinLatency = 0
	} else {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var total time.Duration
		for _, l := range latencies {
			total += l
		}
		results.AvgLatency = total / time.Duration(len(latencies))
		results.P50Latency = percentile(latencies, 0.50)
		results.P95Latency = percentile(latencies, 0.95)
		results.P99Latency = percentile(latencies, 0.99)
	}
	if results.Duration > 0 {
		results.Throughput = float64(results.TotalRequests) / results.Duration.Seconds()
	}
	if results.TotalRequests > 0 {
		results.ErrorRate = float64(results.FailedRequests) / float64(results.TotalRequests)
	}
	return results, nil
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type benchClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *benchClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *benchClient) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), out)
}

// upload runs init, one request per chunk and finish.
func (c *benchClient) upload(ctx context.Context, name string, data []byte, chunkSize int) (string, error) {
	var initResp struct {
		FileID string `json:"fileId"`
	}
	err := c.postJSON(ctx, "/api/upload/init", map[string]interface{}{
		"name":     name,
		"size":     len(data),
		"mimeType": "application/octet-stream",
	}, &initResp)
	if err != nil {
		return "", err
	}

	for index, off := 0, 0; off < len(data); index, off = index+1, off+chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := c.putChunk(ctx, initResp.FileID, index, data[off:end]); err != nil {
			return initResp.FileID, err
		}
	}

	return initResp.FileID, c.postJSON(ctx, "/api/upload/finish", map[string]string{"fileId": initResp.FileID}, nil)
}

func (c *benchClient) putChunk(ctx context.Context, fileID string, index int, chunk []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("fileId", fileID); err != nil {
		return err
	}
	if err := mw.WriteField("chunkIndex", strconv.Itoa(index)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("chunk", "blob")
	if err != nil {
		return err
	}
	if _, err := part.Write(chunk); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/upload/chunk", mw.FormDataContentType(), &body, nil)
}

func (c *benchClient) download(ctx context.Context, fileID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/download/"+fileID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: %s", fileID, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (c *benchClient) purge(ctx context.Context, fileID string) error {
	return c.do(ctx, http.MethodDelete, "/api/files/"+fileID+"?permanent=true", "", nil, nil)
}

func printBenchResults(out io.Writer, r *benchMetrics) {
	fmt.Fprintf(out, "\n=== Load Test Results ===\n")
	fmt.Fprintf(out, "Duration: %v\n", r.Duration)
	fmt.Fprintf(out, "Total Requests: %d\n", r.TotalRequests)
	fmt.Fprintf(out, "Successful: %d\n", r.SuccessfulRequests)
	fmt.Fprintf(out, "Failed: %d\n", r.FailedRequests)
	fmt.Fprintf(out, "Uploads / Downloads: %d / %d\n", r.Uploads, r.Downloads)
	fmt.Fprintf(out, "Verify Failures: %d\n", r.VerifyFailures)
	fmt.Fprintf(out, "Error Rate: %.2f%%\n", r.ErrorRate*100)
	fmt.Fprintf(out, "Throughput: %.2f req/s\n", r.Throughput)
	fmt.Fprintf(out, "Latency avg/p50/p95/p99: %v / %v / %v / %v\n", r.AvgLatency, r.P50Latency, r.P95Latency, r.P99Latency)
	fmt.Fprintf(out, "Latency min/max: %v / %v\n", r.MinLatency, r.MaxLatency)
	fmt.Fprintf(out, "Total Bytes Sent: %d\n", r.TotalBytesSent)
	fmt.Fprintf(out, "Total Bytes Received: %d\n", r.TotalBytesReceived)
	fmt.Fprintf(out, "=========================\n\n")
}

func saveBaseline(m *benchMetrics, filename string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

func loadBaseline(filename string) (*benchMetrics, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var m benchMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// analyzeRegression compares current metrics against the baseline file.
// Latency increases and throughput drops beyond threshold percent are
// regressions, as is an error rate increase of threshold/100.
func analyzeRegression(current *benchMetrics, baselineFile string, threshold float64) (*regressionResult, error) {
	baseline, err := loadBaseline(baselineFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline metrics: %w", err)
	}

	result := &regressionResult{
		TestName: current.TestName,
		Baseline: baseline,
		Current:  current,
	}

	if baseline.P95Latency > 0 {
		change := float64(current.P95Latency-baseline.P95Latency) / float64(baseline.P95Latency) * 100
		result.LatencyRegression = change
		if change > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("p95 latency regression: %.2f%% (threshold: %.2f%%)", change, threshold))
		}
	}

	if baseline.Throughput > 0 {
		change := (current.Throughput - baseline.Throughput) / baseline.Throughput * 100
		result.ThroughputRegression = change
		if -change > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Throughput regression: %.2f%% (threshold: %.2f%%)", change, threshold))
		}
	}

	change := current.ErrorRate - baseline.ErrorRate
	result.ErrorRateRegression = change * 100
	if change > threshold/100 {
		result.SignificantRegression = true
		result.Details = append(result.Details, fmt.Sprintf("Error rate increased by %.2f percentage points", change*100))
	}

	if current.VerifyFailures > 0 {
		result.SignificantRegression = true
		result.Details = append(result.Details, fmt.Sprintf("%d download(s) did not match the uploaded content", current.VerifyFailures))
	}

	return result, nil
}

func printRegressionResult(out io.Writer, result *regressionResult) {
	fmt.Fprintf(out, "\n=== Regression Analysis for %s ===\n", result.TestName)
	fmt.Fprintf(out, "Significant Regression: %t\n", result.SignificantRegression)
	fmt.Fprintf(out, "Latency Regression: %.2f%%\n", result.LatencyRegression)
	fmt.Fprintf(out, "Throughput Regression: %.2f%%\n", result.ThroughputRegression)
	fmt.Fprintf(out, "Error Rate Regression: %.2f percentage points\n", result.ErrorRateRegression)
	if len(result.Details) > 0 {
		fmt.Fprintf(out, "\nDetails:\n")
		for _, d := range result.Details {
			fmt.Fprintf(out, "- %s\n", d)
		}
	}
	fmt.Fprintf(out, "=====================================\n\n")
}

// serverQueries are evaluated at the end of a run.
var serverQueries = map[string]string{
	"http_request_duration_p95_seconds":      `histogram_quantile(0.95, sum(rate(http_request_duration_seconds_bucket[5m])) by (le))`,
	"backend_operation_duration_p95_seconds": `histogram_quantile(0.95, sum(rate(backend_operation_duration_seconds_bucket[5m])) by (le))`,
	"chunk_crypto_duration_p95_seconds":      `histogram_quantile(0.95, sum(rate(chunk_crypto_duration_seconds_bucket[5m])) by (le))`,
	"memory_alloc_bytes":                     `avg_over_time(memory_alloc_bytes[5m])`,
	"goroutines":                             `avg_over_time(goroutines_total[5m])`,
}

// queryPrometheusMetrics reads server-side quantiles for the run.
func queryPrometheusMetrics(ctx context.Context, prometheusURL string, at time.Time) (map[string]float64, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, err
	}
	v1api := v1.NewAPI(client)

	results := make(map[string]float64)
	for name, query := range serverQueries {
		value, warnings, err := v1api.Query(ctx, query, at)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", name, err)
		}
		if len(warnings) > 0 {
			logrus.WithField("query", name).Warnf("Prometheus warnings: %v", warnings)
		}
		if vector, ok := value.(model.Vector); ok && len(vector) > 0 {
			results[name] = float64(vector[0].Value)
		}
	}
	return results, nil
}
