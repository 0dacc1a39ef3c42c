package dispatch

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/quillsec/quill/internal/domain/rules"
	"github.com/quillsec/quill/internal/observability/statsd"
)

// maxLineBytes bounds one newline-delimited event read from an object.
const maxLineBytes = 10 * 1024 * 1024

var (
	// ErrEmptyRequest indicates a request that carried neither rules to
	// test nor notifications to process.
	ErrEmptyRequest = errors.New("request has no rules and no notifications")

	// ErrBadRequest indicates an envelope that could not be decoded.
	ErrBadRequest = errors.New("malformed request")
)

// GetObjectAPI is the subset of the S3 client the dispatcher uses.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Options configures the Dispatcher. BufferOptions seeds the per
// invocation match buffer; MaxBufferBytes and FlushParallelism apply
// when the corresponding BufferOptions fields are zero.
type Options struct {
	Engine           *rules.Engine
	Objects          GetObjectAPI
	Logger           *slog.Logger
	Metrics          statsd.Sink
	BufferOptions    BufferOptions
	MaxBufferBytes   int
	FlushParallelism int
}

// Dispatcher handles both request envelopes on one entry point.
type Dispatcher struct {
	engine  *rules.Engine
	objects GetObjectAPI
	logger  *slog.Logger
	metrics statsd.Sink

	bufferOpts BufferOptions
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bufferOpts := opts.BufferOptions
	if bufferOpts.MaxBytes == 0 {
		bufferOpts.MaxBytes = opts.MaxBufferBytes
	}
	if bufferOpts.Parallelism == 0 {
		bufferOpts.Parallelism = opts.FlushParallelism
	}
	if bufferOpts.Logger == nil {
		bufferOpts.Logger = logger
	}
	if bufferOpts.Metrics == nil {
		bufferOpts.Metrics = opts.Metrics
	}
	return &Dispatcher{
		engine:     opts.Engine,
		objects:    opts.Objects,
		logger:     logger,
		metrics:    opts.Metrics,
		bufferOpts: bufferOpts,
	}
}

// Request is the inbound envelope. A request with rules is a direct
// test; one with notifications runs the pipeline. The two never mix.
type Request struct {
	Rules         []rules.RuleSpec  `json:"rules"`
	Events        []TestEvent       `json:"events"`
	Notifications []json.RawMessage `json:"notifications"`
}

// TestEvent is one event of a direct-test request.
type TestEvent struct {
	ID   string `json:"id"`
	Data any    `json:"data"`
}

// TestResult reports one (event, rule) evaluation of a direct test.
// Nullable fields marshal as explicit nulls so rule authors see every
// outcome slot.
type TestResult struct {
	ID                 string  `json:"id"`
	RuleID             string  `json:"ruleId"`
	RuleOutput         *bool   `json:"ruleOutput"`
	RuleError          *string `json:"ruleError"`
	DedupOutput        *string `json:"dedupOutput"`
	DedupError         *string `json:"dedupError"`
	TitleOutput        *string `json:"titleOutput"`
	TitleError         *string `json:"titleError"`
	AlertContextOutput *string `json:"alertContextOutput"`
	AlertContextError  *string `json:"alertContextError"`
	Errored            bool    `json:"errored"`
	GenericError       string  `json:"genericError,omitempty"`
}

// TestResponse wraps the direct-test results.
type TestResponse struct {
	Results []TestResult `json:"results"`
}

// PipelineResponse summarizes one pipeline invocation.
type PipelineResponse struct {
	Objects int `json:"objects"`
	Events  int `json:"events"`
	Results int `json:"results"`
}

// Handle decodes the envelope and routes it. Direct tests never touch
// the merger or the sink.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) (any, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	switch {
	case len(req.Rules) > 0:
		return d.DirectTest(ctx, req.Rules, req.Events), nil
	case len(req.Notifications) > 0:
		return d.Pipeline(ctx, req.Notifications)
	default:
		return nil, ErrEmptyRequest
	}
}

// DirectTest compiles the submitted rules in-process and runs every
// event through every rule, reporting each entry point's output or
// failure.
func (d *Dispatcher) DirectTest(_ context.Context, specs []rules.RuleSpec, events []TestEvent) TestResponse {
	resp := TestResponse{Results: make([]TestResult, 0, len(specs)*len(events))}
	for _, evt := range events {
		for _, spec := range specs {
			resp.Results = append(resp.Results, d.testOne(spec, evt))
		}
	}
	return resp
}

func (d *Dispatcher) testOne(spec rules.RuleSpec, evt TestEvent) TestResult {
	out := TestResult{ID: evt.ID, RuleID: spec.ID}

	rule, err := rules.Compile(spec, "")
	if err != nil {
		out.Errored = true
		out.GenericError = err.Error()
		return out
	}

	res := rule.Run(evt.Data, false)
	if res.RuleError != nil {
		out.RuleError = ptr(res.RuleError.Error())
		out.DedupOutput = ptr(rule.DefaultDedup())
		out.Errored = true
		return out
	}

	out.RuleOutput = res.Matched
	if !*res.Matched {
		out.DedupOutput = ptr(res.Dedup)
		return out
	}

	if res.DedupError != nil {
		out.DedupError = ptr(res.DedupError.Error())
	} else {
		out.DedupOutput = ptr(res.Dedup)
	}
	if res.TitleError != nil {
		out.TitleError = ptr(res.TitleError.Error())
	} else if rule.HasTitle() {
		out.TitleOutput = ptr(res.Title)
	}
	if res.AlertContextError != nil {
		out.AlertContextError = ptr(res.AlertContextError.Error())
	} else if rule.HasAlertContext() {
		out.AlertContextOutput = ptr(string(res.AlertContext))
	}

	out.Errored = res.DedupError != nil || res.TitleError != nil || res.AlertContextError != nil
	return out
}

// Pipeline streams each notified object through the engine and flushes
// all collected results once at the end.
func (d *Dispatcher) Pipeline(ctx context.Context, notifications []json.RawMessage) (PipelineResponse, error) {
	buffer := NewBuffer(d.bufferOpts)
	var resp PipelineResponse

	for _, raw := range notifications {
		obj, err := parseNotification(raw)
		if err != nil {
			return resp, err
		}
		if obj.logType == "" {
			d.logger.Warn("cannot infer log type, skipping object", "bucket", obj.bucket, "key", obj.key)
			continue
		}

		events, results, err := d.analyzeObject(ctx, buffer, obj)
		if err != nil {
			return resp, err
		}
		resp.Objects++
		resp.Events += events
		resp.Results += results
	}

	if err := buffer.Flush(ctx); err != nil {
		return resp, err
	}
	return resp, nil
}

type s3Object struct {
	bucket  string
	key     string
	logType string
}

// notification accepts both shapes arriving on the queue: the log
// processor's own message carrying the log type in "id", and a raw S3
// event record.
type notification struct {
	S3Bucket    string `json:"s3Bucket"`
	S3ObjectKey string `json:"s3ObjectKey"`
	ID          string `json:"id"`
	S3          struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

func parseNotification(raw json.RawMessage) (s3Object, error) {
	var n notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return s3Object{}, fmt.Errorf("decode notification: %w", err)
	}

	obj := s3Object{bucket: n.S3Bucket, key: n.S3ObjectKey, logType: n.ID}
	if obj.bucket == "" {
		obj.bucket = n.S3.Bucket.Name
		obj.key = n.S3.Object.Key
	}
	if obj.bucket == "" || obj.key == "" {
		return s3Object{}, fmt.Errorf("notification carries no object reference: %s", string(raw))
	}
	if obj.logType == "" {
		obj.logType = logTypeFromKey(obj.key)
	}
	return obj, nil
}

// logTypeFromKey recovers the log type from the data lake layout,
// logs/{log_type}/... Returns "" when the key has no such segment.
func logTypeFromKey(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		if segment == "logs" && i+1 < len(segments) {
			return segments[i+1]
		}
	}
	return ""
}

func (d *Dispatcher) analyzeObject(ctx context.Context, buffer *MatchedEventsBuffer, obj s3Object) (events, results int, err error) {
	out, err := d.objects.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(obj.bucket),
		Key:    aws.String(obj.key),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("get object s3://%s/%s: %w", obj.bucket, obj.key, err)
	}
	defer out.Body.Close()

	var reader io.Reader = out.Body
	if strings.HasSuffix(obj.key, ".gz") {
		gz, err := gzip.NewReader(out.Body)
		if err != nil {
			return 0, 0, fmt.Errorf("open gzip s3://%s/%s: %w", obj.bucket, obj.key, err)
		}
		defer gz.Close()
		reader = gz
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(line, &fields); err != nil {
			d.logger.Warn("skipping malformed event line", "bucket", obj.bucket, "key", obj.key, "error", err)
			continue
		}
		events++

		analyzed, err := d.engine.Analyze(ctx, obj.logType, fields)
		if err != nil {
			return events, results, err
		}
		for _, res := range analyzed {
			if err := buffer.AddEvent(ctx, res); err != nil {
				return events, results, err
			}
			results++
		}
	}
	if err := scanner.Err(); err != nil {
		return events, results, fmt.Errorf("read s3://%s/%s: %w", obj.bucket, obj.key, err)
	}

	d.emitCount("dispatch.events_processed", int64(events), obj.logType)
	return events, results, nil
}

func (d *Dispatcher) emitCount(name string, value int64, logType string) {
	if d.metrics != nil {
		d.metrics.Count(name, value, map[string]string{"log_type": logType})
	}
}

func ptr[T any](v T) *T { return &v }
