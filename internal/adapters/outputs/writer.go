// Package outputs delivers matched events to the results bucket and
// announces each written object on the notifications topic.
package outputs

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"

	"github.com/quillsec/quill/internal/domain/alert"
	"github.com/quillsec/quill/internal/domain/event"
)

// NotificationType marks rule-match output objects on the topic.
const NotificationType = "RuleOutput"

// alertTimeFormat renders alert timestamps with microsecond precision
// padded to nanoseconds, matching the results schema.
const alertTimeFormat = "2006-01-02 15:04:05.000000"

// PutObjectAPI is the subset of the S3 client the writer uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// PublishAPI is the subset of the SNS client the writer uses.
type PublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Options configures the writer.
type Options struct {
	S3       PutObjectAPI
	SNS      PublishAPI
	Bucket   string
	TopicARN string
	Logger   *slog.Logger
}

// Writer stores one gzip object of newline-delimited JSON per flushed
// alert group and publishes a notification for each.
type Writer struct {
	s3       PutObjectAPI
	sns      PublishAPI
	bucket   string
	topicARN string
	logger   *slog.Logger
}

// New constructs a Writer.
func New(opts Options) *Writer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		s3:       opts.S3,
		sns:      opts.SNS,
		bucket:   opts.Bucket,
		topicARN: opts.TopicARN,
		logger:   logger,
	}
}

// notification is the message published for every written object.
type notification struct {
	S3Bucket    string `json:"s3Bucket"`
	S3ObjectKey string `json:"s3ObjectKey"`
	Events      int    `json:"events"`
	Bytes       int    `json:"bytes"`
	Type        string `json:"type"`
	ID          string `json:"id"`
}

// WriteEvents uploads the matched events for one alert group as a gzip
// object of newline-delimited JSON, each line the event annotated with
// the alert attribution fields, then publishes the notification.
func (w *Writer) WriteEvents(ctx context.Context, key alert.GroupingKey, info alert.Info, events []*event.View) error {
	var raw bytes.Buffer
	gz := gzip.NewWriter(&raw)
	uncompressed := 0
	for _, evt := range events {
		line, err := json.Marshal(w.annotate(evt, key, info))
		if err != nil {
			return fmt.Errorf("marshal event for rule %s: %w", key.RuleID, err)
		}
		line = append(line, '\n')
		n, err := gz.Write(line)
		if err != nil {
			return fmt.Errorf("compress events for rule %s: %w", key.RuleID, err)
		}
		uncompressed += n
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress events for rule %s: %w", key.RuleID, err)
	}

	objectKey := objectKey(key, info.UpdateTime.UTC())
	_, err := w.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(raw.Bytes()),
		ContentType: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	w.logger.Debug("wrote matched events", "key", objectKey, "events", len(events), "bytes", uncompressed)

	return w.notify(ctx, key, objectKey, len(events), uncompressed)
}

// annotate overlays the alert attribution fields on the event.
func (w *Writer) annotate(evt *event.View, key alert.GroupingKey, info alert.Info) map[string]any {
	out := evt.Raw()
	out["p_rule_id"] = key.RuleID
	out["p_alert_id"] = info.AlertID
	out["p_alert_creation_time"] = formatAlertTime(info.CreationTime)
	out["p_alert_update_time"] = formatAlertTime(info.UpdateTime)
	return out
}

func (w *Writer) notify(ctx context.Context, key alert.GroupingKey, objectKey string, events, uncompressed int) error {
	message, err := json.Marshal(notification{
		S3Bucket:    w.bucket,
		S3ObjectKey: objectKey,
		Events:      events,
		Bytes:       uncompressed,
		Type:        NotificationType,
		ID:          key.RuleID,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	_, err = w.sns.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(w.topicARN),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"type": {DataType: aws.String("String"), StringValue: aws.String(NotificationType)},
			"id":   {DataType: aws.String("String"), StringValue: aws.String(key.RuleID)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish notification for %s: %w", objectKey, err)
	}
	return nil
}

// objectKey partitions output objects by sanitized log type, hour, and
// rule so the downstream table layout mirrors the ingest side.
func objectKey(key alert.GroupingKey, t time.Time) string {
	return fmt.Sprintf("rules/%s/year=%d/month=%02d/day=%02d/hour=%02d/rule_id=%s/%s-%s.gz",
		sanitizeLogType(key.LogType),
		t.Year(), t.Month(), t.Day(), t.Hour(),
		key.RuleID,
		t.Format("20060102150405"),
		uuid.New().String())
}

// sanitizeLogType converts a log type to its table name form.
func sanitizeLogType(logType string) string {
	return strings.ReplaceAll(strings.ToLower(logType), ".", "_")
}

func formatAlertTime(t time.Time) string {
	return t.UTC().Format(alertTimeFormat) + "000"
}
