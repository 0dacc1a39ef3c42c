// Package alertdb tracks alert deduplication state in DynamoDB.
//
// One item per (rule, dedup) pair records the running alert: its count,
// creation and update times, event count, and the log types that fed
// it. A conditional update decides atomically whether a batch of
// matches opens a new alert or merges into the current one.
package alertdb

import (
	"context"
	"crypto/md5" //nolint:gosec // id scheme, not a security control
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/quillsec/quill/internal/domain/alert"
)

// DefaultMergePeriod is how long matches keep merging into an alert
// before a new one is opened.
const DefaultMergePeriod = 3600 * time.Second

// Item attribute names.
const (
	attrPartitionKey      = "partitionKey"
	attrRuleID            = "ruleId"
	attrRuleVersion       = "ruleVersion"
	attrDedup             = "dedup"
	attrAlertCreationTime = "alertCreationTime"
	attrAlertUpdateTime   = "alertUpdateTime"
	attrAlertCount        = "alertCount"
	attrEventCount        = "eventCount"
	attrSeverity          = "severity"
	attrLogTypes          = "logTypes"
	attrTitle             = "title"
)

// UpdateItemAPI is the subset of the DynamoDB client the merger uses.
type UpdateItemAPI interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Options configures the merger.
type Options struct {
	Client      UpdateItemAPI
	Table       string
	MergePeriod time.Duration
	Logger      *slog.Logger
}

// Merger implements alert.Merger on a DynamoDB table.
type Merger struct {
	client      UpdateItemAPI
	table       string
	mergePeriod time.Duration
	logger      *slog.Logger
}

// New constructs a Merger.
func New(opts Options) *Merger {
	period := opts.MergePeriod
	if period <= 0 {
		period = DefaultMergePeriod
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{
		client:      opts.Client,
		table:       opts.Table,
		mergePeriod: period,
		logger:      logger,
	}
}

// UpdateGetAlertInfo attributes numMatches events to an alert. It first
// attempts the conditional create; when the condition fails because a
// live alert already exists, it merges into it instead. There is no
// third attempt.
func (m *Merger) UpdateGetAlertInfo(ctx context.Context, matchTime time.Time, numMatches int, key alert.GroupingKey, severity, version, title string) (alert.Info, error) {
	info, err := m.createConditional(ctx, matchTime, numMatches, key, severity, version, title)
	if err == nil {
		return info, nil
	}
	var condFailed *ddbtypes.ConditionalCheckFailedException
	if !errors.As(err, &condFailed) {
		return alert.Info{}, fmt.Errorf("create alert: %w", err)
	}
	info, err = m.merge(ctx, matchTime, numMatches, key)
	if err != nil {
		return alert.Info{}, fmt.Errorf("merge into alert: %w", err)
	}
	return info, nil
}

// createConditional opens a new alert. The condition holds when this
// (rule, dedup) pair has never fired, or when its last alert started
// more than a merge period ago.
func (m *Merger) createConditional(ctx context.Context, matchTime time.Time, numMatches int, key alert.GroupingKey, severity, version, title string) (alert.Info, error) {
	cutoff := matchTime.Unix() - int64(m.mergePeriod/time.Second)

	updateExpr := "ADD #3 :3\nSET #4=:4, #5=:5, #6=:6, #7=:7, #8=:8, #9=:9, #10=:10, #11=:11"
	names := map[string]string{
		"#1":  attrAlertCreationTime,
		"#2":  attrPartitionKey,
		"#3":  attrAlertCount,
		"#4":  attrRuleID,
		"#5":  attrDedup,
		"#6":  attrAlertCreationTime,
		"#7":  attrAlertUpdateTime,
		"#8":  attrEventCount,
		"#9":  attrSeverity,
		"#10": attrLogTypes,
		"#11": attrRuleVersion,
	}
	values := map[string]ddbtypes.AttributeValue{
		":1":  &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(cutoff, 10)},
		":3":  &ddbtypes.AttributeValueMemberN{Value: "1"},
		":4":  &ddbtypes.AttributeValueMemberS{Value: key.RuleID},
		":5":  &ddbtypes.AttributeValueMemberS{Value: key.Dedup},
		":6":  &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(matchTime.Unix(), 10)},
		":7":  &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(matchTime.Unix(), 10)},
		":8":  &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(numMatches)},
		":9":  &ddbtypes.AttributeValueMemberS{Value: severity},
		":10": &ddbtypes.AttributeValueMemberSS{Value: []string{key.LogType}},
		":11": &ddbtypes.AttributeValueMemberS{Value: version},
	}
	if title != "" {
		updateExpr += ", #12=:12"
		names["#12"] = attrTitle
		values[":12"] = &ddbtypes.AttributeValueMemberS{Value: title}
	}

	out, err := m.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(m.table),
		Key:                       m.itemKey(key),
		UpdateExpression:          aws.String(updateExpr),
		ConditionExpression:       aws.String("(#1 < :1) OR (attribute_not_exists(#2))"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              ddbtypes.ReturnValueAllNew,
	})
	if err != nil {
		return alert.Info{}, err
	}

	count, err := numberAttr(out.Attributes, attrAlertCount)
	if err != nil {
		return alert.Info{}, err
	}
	return alert.Info{
		AlertID:      alertID(key.RuleID, key.Dedup, count),
		CreationTime: matchTime,
		UpdateTime:   matchTime,
	}, nil
}

// merge folds the batch into the live alert: bump the update time, add
// the events and the log type.
func (m *Merger) merge(ctx context.Context, matchTime time.Time, numMatches int, key alert.GroupingKey) (alert.Info, error) {
	out, err := m.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(m.table),
		Key:              m.itemKey(key),
		UpdateExpression: aws.String("SET #1=:1\nADD #2 :2, #3 :3"),
		ExpressionAttributeNames: map[string]string{
			"#1": attrAlertUpdateTime,
			"#2": attrEventCount,
			"#3": attrLogTypes,
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":1": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(matchTime.Unix(), 10)},
			":2": &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(numMatches)},
			":3": &ddbtypes.AttributeValueMemberSS{Value: []string{key.LogType}},
		},
		ReturnValues: ddbtypes.ReturnValueAllNew,
	})
	if err != nil {
		return alert.Info{}, err
	}

	count, err := numberAttr(out.Attributes, attrAlertCount)
	if err != nil {
		return alert.Info{}, err
	}
	createdAt, err := numberAttr(out.Attributes, attrAlertCreationTime)
	if err != nil {
		return alert.Info{}, err
	}
	created, err := strconv.ParseInt(createdAt, 10, 64)
	if err != nil {
		return alert.Info{}, fmt.Errorf("parse %s: %w", attrAlertCreationTime, err)
	}
	return alert.Info{
		AlertID:      alertID(key.RuleID, key.Dedup, count),
		CreationTime: time.Unix(created, 0).UTC(),
		UpdateTime:   matchTime,
	}, nil
}

func (m *Merger) itemKey(key alert.GroupingKey) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		attrPartitionKey: &ddbtypes.AttributeValueMemberS{Value: partitionKey(key.RuleID, key.Dedup)},
	}
}

func numberAttr(attrs map[string]ddbtypes.AttributeValue, name string) (string, error) {
	n, ok := attrs[name].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return "", fmt.Errorf("attribute %s missing from update response", name)
	}
	return n.Value, nil
}

// partitionKey hashes (rule, dedup) into the table's partition key.
func partitionKey(ruleID, dedup string) string {
	return md5Hex(ruleID + ":" + dedup)
}

// alertID derives a stable alert id from the rule, dedup string and the
// per-pair alert count.
func alertID(ruleID, dedup, count string) string {
	return md5Hex(ruleID + ":" + count + ":" + dedup)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec // id scheme, not a security control
	return hex.EncodeToString(sum[:])
}
