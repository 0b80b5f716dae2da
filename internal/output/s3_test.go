package output

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

type fakePutter struct {
	mu      sync.Mutex
	objects map[string][]byte
	inputs  []*s3.PutObjectInput
	err     error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[aws.ToString(in.Key)] = body
	f.inputs = append(f.inputs, in)
	return &s3.PutObjectOutput{}, nil
}

var s3Now = time.Date(2024, 6, 1, 13, 45, 0, 0, time.UTC)

func newTestS3(t *testing.T, cfg S3Config, putter *fakePutter) *S3Output {
	t.Helper()
	s, err := newS3Output(cfg, putter)
	if err != nil {
		t.Fatalf("newS3Output() error = %v", err)
	}
	s.now = func() time.Time { return s3Now }
	t.Cleanup(func() { s.Close() })
	return s
}

func TestS3Output_UploadsNDJSON(t *testing.T) {
	putter := &fakePutter{}
	cfg := S3Config{Bucket: "events", Prefix: "win/", KeyTemplate: "{{.Year}}/{{.Month}}/{{.Day}}/{{.Hour}}{{.Minute}}.ndjson"}
	s := newTestS3(t, cfg, putter)

	batch := []*types.EventPayload{testPayload(0), testPayload(1), testPayload(2)}
	if err := s.SendBatch(context.Background(), batch); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}

	body, ok := putter.objects["win/2024/06/01/1345.ndjson"]
	if !ok {
		t.Fatalf("object not found, have %v", putter.objects)
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 3 {
		t.Errorf("object has %d lines, want 3", len(lines))
	}
	if aws.ToString(putter.inputs[0].Bucket) != "events" {
		t.Errorf("bucket = %q", aws.ToString(putter.inputs[0].Bucket))
	}
	if putter.inputs[0].ContentEncoding != nil {
		t.Error("uncompressed object should have no content encoding")
	}
}

func TestS3Output_Compressed(t *testing.T) {
	putter := &fakePutter{}
	cfg := S3Config{Bucket: "events", KeyTemplate: "batch"}
	cfg.Compression = CompressionSnappy
	s := newTestS3(t, cfg, putter)

	if err := s.Send(context.Background(), testPayload(0)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	body, ok := putter.objects["batch.snappy"]
	if !ok {
		t.Fatalf("object not found, have %v", putter.objects)
	}
	raw, err := (&SnappyCompressor{}).Decompress(body)
	if err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if !strings.Contains(string(raw), `"msg_text":"event 0"`) {
		t.Errorf("unexpected object body: %s", raw)
	}
	if aws.ToString(putter.inputs[0].ContentEncoding) != "snappy" {
		t.Errorf("ContentEncoding = %q", aws.ToString(putter.inputs[0].ContentEncoding))
	}
}

func TestS3Output_UploadFailure(t *testing.T) {
	putter := &fakePutter{err: errors.New("AccessDenied")}
	s := newTestS3(t, S3Config{Bucket: "events"}, putter)

	if err := s.Send(context.Background(), testPayload(0)); err == nil {
		t.Fatal("expected upload error")
	}
	if m := s.Metrics(); m.EventsFailed != 1 {
		t.Errorf("EventsFailed = %d, want 1", m.EventsFailed)
	}
}

func TestS3Output_ObjectKey(t *testing.T) {
	cfg := DefaultS3Config()
	cfg.Bucket = "events"
	s := newTestS3(t, cfg, &fakePutter{})

	key := s.ObjectKey(s3Now)
	if !strings.HasPrefix(key, "events/2024/06/01/13/") || !strings.HasSuffix(key, ".ndjson.gz") {
		t.Errorf("ObjectKey() = %q", key)
	}
}

func TestS3Output_InvalidCompression(t *testing.T) {
	cfg := S3Config{Bucket: "events"}
	cfg.Compression = "brotli"
	if _, err := newS3Output(cfg, &fakePutter{}); err == nil {
		t.Error("expected error for unsupported compression")
	}
}
