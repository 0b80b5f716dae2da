package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

// ElasticsearchConfig contains Elasticsearch-specific configuration
type ElasticsearchConfig struct {
	BaseConfig `yaml:",inline"`

	// Addresses is the list of Elasticsearch node URLs
	Addresses []string `yaml:"addresses"`

	// Index is the index name or a pattern with %{+YYYY.MM.dd} style dates
	Index string `yaml:"index"`

	// IndexRotation appends a date suffix (daily, weekly, monthly, yearly, none)
	IndexRotation string `yaml:"index_rotation,omitempty"`

	// Pipeline is the ingest pipeline to use
	Pipeline string `yaml:"pipeline,omitempty"`

	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	CloudID  string `yaml:"cloud_id,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`

	MaxRetries int `yaml:"max_retries,omitempty"`
}

// DefaultElasticsearchConfig returns default Elasticsearch configuration
func DefaultElasticsearchConfig() ElasticsearchConfig {
	return ElasticsearchConfig{
		BaseConfig:    DefaultBaseConfig(),
		Addresses:     []string{"http://localhost:9200"},
		Index:         "windows-events",
		IndexRotation: "daily",
		MaxRetries:    3,
	}
}

// ElasticsearchOutput indexes payloads, one document each
type ElasticsearchOutput struct {
	config  ElasticsearchConfig
	client  *elasticsearch.Client
	batcher *Batcher
	stats   stats
	closed  atomic.Bool
}

// NewElasticsearchOutput creates a client and checks the cluster answers
func NewElasticsearchOutput(ctx context.Context, config ElasticsearchConfig) (*ElasticsearchOutput, error) {
	if len(config.Addresses) == 0 && config.CloudID == "" {
		return nil, fmt.Errorf("no addresses or cloud ID specified")
	}
	if config.Index == "" {
		config.Index = DefaultElasticsearchConfig().Index
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:  config.Addresses,
		CloudID:    config.CloudID,
		Username:   config.Username,
		Password:   config.Password,
		APIKey:     config.APIKey,
		MaxRetries: config.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned error: %s", res.Status())
	}

	e := &ElasticsearchOutput{
		config: config,
		client: client,
	}

	if config.BatchSize > 1 {
		logger := logging.Global().WithComponent("elasticsearch-output")
		e.batcher = NewBatcher(BatcherConfig{
			MaxBatchSize:  config.BatchSize,
			MaxBatchBytes: 10 * 1024 * 1024,
			FlushInterval: config.FlushInterval,
			OnError: func(err error, dropped int) {
				logger.Error().Err(err).Int("payloads", dropped).Msg("Background bulk flush failed")
			},
		}, e.sendBulk)
	}

	return e, nil
}

// Send indexes one payload, or buffers it when batching is enabled
func (e *ElasticsearchOutput) Send(ctx context.Context, payload *types.EventPayload) error {
	if e.closed.Load() {
		return fmt.Errorf("elasticsearch output is closed")
	}
	if e.batcher != nil {
		return e.batcher.Add(ctx, payload)
	}
	return e.sendSingle(ctx, payload)
}

// SendBatch indexes payloads with one bulk request
func (e *ElasticsearchOutput) SendBatch(ctx context.Context, payloads []*types.EventPayload) error {
	if e.closed.Load() {
		return fmt.Errorf("elasticsearch output is closed")
	}
	return e.sendBulk(ctx, payloads)
}

func (e *ElasticsearchOutput) sendSingle(ctx context.Context, payload *types.EventPayload) error {
	doc, err := json.Marshal(payload)
	if err != nil {
		e.stats.failed(1, err)
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	start := time.Now()
	req := esapi.IndexRequest{
		Index:    e.IndexName(payload),
		Body:     bytes.NewReader(doc),
		Refresh:  "false",
		Pipeline: e.config.Pipeline,
	}

	res, err := req.Do(ctx, e.client)
	if err != nil {
		e.stats.failed(1, err)
		return fmt.Errorf("failed to index document: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		err := fmt.Errorf("elasticsearch returned error: %s", res.Status())
		e.stats.failed(1, err)
		return err
	}

	e.stats.sent(1, len(doc), time.Since(start))
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

func (e *ElasticsearchOutput) sendBulk(ctx context.Context, payloads []*types.EventPayload) error {
	if len(payloads) == 0 {
		return nil
	}

	start := time.Now()
	var buf bytes.Buffer
	encoded := 0

	for _, p := range payloads {
		action := map[string]any{"_index": e.IndexName(p)}
		if e.config.Pipeline != "" {
			action["pipeline"] = e.config.Pipeline
		}
		meta, err := json.Marshal(map[string]any{"index": action})
		if err != nil {
			e.stats.failed(1, err)
			continue
		}
		doc, err := json.Marshal(p)
		if err != nil {
			e.stats.failed(1, err)
			continue
		}

		buf.Write(meta)
		buf.WriteByte('\n')
		buf.Write(doc)
		buf.WriteByte('\n')
		encoded++
	}

	if encoded == 0 {
		return fmt.Errorf("no payload could be encoded")
	}
	size := buf.Len()

	res, err := e.client.Bulk(bytes.NewReader(buf.Bytes()), e.client.Bulk.WithContext(ctx))
	if err != nil {
		e.stats.failed(encoded, err)
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		err := fmt.Errorf("bulk request returned error: %s", res.Status())
		e.stats.failed(encoded, err)
		return err
	}

	var resp bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		e.stats.failed(encoded, err)
		return fmt.Errorf("failed to parse bulk response: %w", err)
	}

	failed := 0
	var lastErr error
	if resp.Errors {
		for _, item := range resp.Items {
			for _, result := range item {
				if result.Status >= 400 {
					failed++
					lastErr = fmt.Errorf("%s: %s", result.Error.Type, result.Error.Reason)
				}
			}
		}
	}

	if failed > 0 {
		e.stats.failed(failed, lastErr)
	}
	e.stats.sent(encoded-failed, size, time.Since(start))
	e.stats.batch()

	if failed > 0 {
		return fmt.Errorf("%d out of %d payloads failed to index: %w", failed, encoded, lastErr)
	}
	if encoded < len(payloads) {
		return fmt.Errorf("%d out of %d payloads failed to encode", len(payloads)-encoded, len(payloads))
	}
	return nil
}

// IndexName returns the index a payload is written to, applying date
// patterns or rotation from the payload's timestamp
func (e *ElasticsearchOutput) IndexName(payload *types.EventPayload) string {
	return indexName(e.config.Index, e.config.IndexRotation, payload.Time())
}

func indexName(index, rotation string, ts time.Time) string {
	if strings.Contains(index, "%{") {
		index = strings.ReplaceAll(index, "%{+YYYY.MM.dd}", ts.Format("2006.01.02"))
		index = strings.ReplaceAll(index, "%{+YYYY.MM}", ts.Format("2006.01"))
		index = strings.ReplaceAll(index, "%{+YYYY}", ts.Format("2006"))
		return index
	}

	switch rotation {
	case "", "none":
		return index
	case "weekly":
		year, week := ts.ISOWeek()
		return fmt.Sprintf("%s-%d.%02d", index, year, week)
	case "monthly":
		return index + "-" + ts.Format("2006.01")
	case "yearly":
		return index + "-" + ts.Format("2006")
	default:
		return index + "-" + ts.Format("2006.01.02")
	}
}

// Close flushes buffered payloads
func (e *ElasticsearchOutput) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.batcher != nil {
		return e.batcher.Stop()
	}
	return nil
}

// Name returns the output name
func (e *ElasticsearchOutput) Name() string {
	if e.config.Name != "" {
		return e.config.Name
	}
	return "elasticsearch"
}

// Metrics returns the current metrics
func (e *ElasticsearchOutput) Metrics() *OutputMetrics {
	return e.stats.snapshot()
}
