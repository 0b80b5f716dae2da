package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

// S3Config contains S3-specific configuration
type S3Config struct {
	BaseConfig `yaml:",inline"`

	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`

	// Prefix is prepended to every object key
	Prefix string `yaml:"prefix,omitempty"`

	// KeyTemplate supports {{.Year}} {{.Month}} {{.Day}} {{.Hour}}
	// {{.Minute}} {{.Second}} {{.Timestamp}} {{.UnixNano}}
	KeyTemplate string `yaml:"key_template,omitempty"`

	StorageClass         string `yaml:"storage_class,omitempty"`
	ServerSideEncryption string `yaml:"server_side_encryption,omitempty"`

	// Endpoint for S3-compatible services (e.g., MinIO)
	Endpoint     string `yaml:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style,omitempty"`
}

// DefaultS3Config returns default S3 configuration
func DefaultS3Config() S3Config {
	base := DefaultBaseConfig()
	base.BatchSize = 500
	base.FlushInterval = time.Minute
	base.Compression = CompressionGzip

	return S3Config{
		BaseConfig:   base,
		Region:       "us-east-1",
		Prefix:       "events/",
		KeyTemplate:  "{{.Year}}/{{.Month}}/{{.Day}}/{{.Hour}}/{{.UnixNano}}.ndjson",
		StorageClass: "STANDARD",
	}
}

// s3Putter is the part of *s3.Client the output uses
type s3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Output writes batches of payloads as NDJSON objects
type S3Output struct {
	config     S3Config
	client     s3Putter
	batcher    *Batcher
	compressor Compressor
	stats      stats
	now        func() time.Time
	closed     atomic.Bool
}

// NewS3Output loads AWS credentials from the default chain
func NewS3Output(ctx context.Context, s3Config S3Config) (*S3Output, error) {
	if s3Config.Bucket == "" {
		return nil, fmt.Errorf("no bucket specified")
	}
	if s3Config.Region == "" {
		s3Config.Region = DefaultS3Config().Region
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(s3Config.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if s3Config.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(s3Config.Endpoint)
			o.UsePathStyle = s3Config.UsePathStyle
		})
	}

	return newS3Output(s3Config, s3.NewFromConfig(cfg, opts...))
}

func newS3Output(s3Config S3Config, client s3Putter) (*S3Output, error) {
	compressor, err := GetCompressor(s3Config.Compression)
	if err != nil {
		return nil, err
	}

	s := &S3Output{
		config:     s3Config,
		client:     client,
		compressor: compressor,
		now:        time.Now,
	}

	if s3Config.BatchSize > 1 {
		logger := logging.Global().WithComponent("s3-output")
		s.batcher = NewBatcher(BatcherConfig{
			MaxBatchSize:  s3Config.BatchSize,
			MaxBatchBytes: 100 * 1024 * 1024,
			FlushInterval: s3Config.FlushInterval,
			OnError: func(err error, dropped int) {
				logger.Error().Err(err).Int("payloads", dropped).Msg("Background upload failed")
			},
		}, s.upload)
	}

	return s, nil
}

// Send uploads one payload, or buffers it when batching is enabled
func (s *S3Output) Send(ctx context.Context, payload *types.EventPayload) error {
	if s.closed.Load() {
		return fmt.Errorf("s3 output is closed")
	}
	if s.batcher != nil {
		return s.batcher.Add(ctx, payload)
	}
	return s.upload(ctx, []*types.EventPayload{payload})
}

// SendBatch uploads payloads as a single object
func (s *S3Output) SendBatch(ctx context.Context, payloads []*types.EventPayload) error {
	if s.closed.Load() {
		return fmt.Errorf("s3 output is closed")
	}
	return s.upload(ctx, payloads)
}

func (s *S3Output) upload(ctx context.Context, payloads []*types.EventPayload) error {
	if len(payloads) == 0 {
		return nil
	}

	start := time.Now()
	var buf bytes.Buffer
	encoded := 0
	for _, p := range payloads {
		data, err := json.Marshal(p)
		if err != nil {
			s.stats.failed(1, err)
			continue
		}
		buf.Write(data)
		buf.WriteByte('\n')
		encoded++
	}
	if encoded == 0 {
		return fmt.Errorf("no payload could be encoded")
	}

	body, err := s.compressor.Compress(buf.Bytes())
	if err != nil {
		s.stats.failed(encoded, err)
		return fmt.Errorf("failed to compress data: %w", err)
	}

	key := s.ObjectKey(s.now())
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	}
	if s.config.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.config.StorageClass)
	}
	if s.config.ServerSideEncryption != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryption(s.config.ServerSideEncryption)
	}
	if s.config.Compression != CompressionNone && s.config.Compression != "" {
		input.ContentEncoding = aws.String(string(s.config.Compression))
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		s.stats.failed(encoded, err)
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	s.stats.sent(encoded, len(body), time.Since(start))
	s.stats.batch()

	if encoded < len(payloads) {
		return fmt.Errorf("%d out of %d payloads failed to encode", len(payloads)-encoded, len(payloads))
	}
	return nil
}

// ObjectKey renders the key for an object written at t
func (s *S3Output) ObjectKey(t time.Time) string {
	t = t.UTC()

	key := s.config.KeyTemplate
	if key == "" {
		key = "{{.UnixNano}}.ndjson"
	}

	key = strings.NewReplacer(
		"{{.Year}}", fmt.Sprintf("%04d", t.Year()),
		"{{.Month}}", fmt.Sprintf("%02d", t.Month()),
		"{{.Day}}", fmt.Sprintf("%02d", t.Day()),
		"{{.Hour}}", fmt.Sprintf("%02d", t.Hour()),
		"{{.Minute}}", fmt.Sprintf("%02d", t.Minute()),
		"{{.Second}}", fmt.Sprintf("%02d", t.Second()),
		"{{.Timestamp}}", strconv.FormatInt(t.Unix(), 10),
		"{{.UnixNano}}", strconv.FormatInt(t.UnixNano(), 10),
	).Replace(key)

	return s.config.Prefix + key + s.config.Compression.Extension()
}

// Close uploads buffered payloads
func (s *S3Output) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.batcher != nil {
		return s.batcher.Stop()
	}
	return nil
}

// Name returns the output name
func (s *S3Output) Name() string {
	if s.config.Name != "" {
		return s.config.Name
	}
	return "s3"
}

// Metrics returns the current metrics
func (s *S3Output) Metrics() *OutputMetrics {
	return s.stats.snapshot()
}
