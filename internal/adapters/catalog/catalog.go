// Package catalog reaches the analysis API over Lambda invoke to list
// the enabled rules and data models.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/quillsec/quill/internal/domain/rules"
)

// DefaultPageSize bounds one analysis API page. A deployment rarely has
// more than one page of enabled rules, but the client always loops.
const DefaultPageSize = 1000

// ruleFields limits the listRules response to what the engine consumes.
var ruleFields = []string{"body", "id", "logTypes", "outputIds", "reports", "severity", "tags", "versionId"}

// Invoker is the subset of the Lambda client the catalog uses.
type Invoker interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Options configures the analysis API client.
type Options struct {
	Invoker      Invoker
	FunctionName string
	PageSize     int
	Logger       *slog.Logger
}

// Client implements rules.CatalogClient against the analysis API Lambda.
type Client struct {
	invoker      Invoker
	functionName string
	pageSize     int
	logger       *slog.Logger
}

// New constructs a Client.
func New(opts Options) *Client {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		invoker:      opts.Invoker,
		functionName: opts.FunctionName,
		pageSize:     pageSize,
		logger:       logger,
	}
}

type listParams struct {
	Enabled  bool     `json:"enabled"`
	Fields   []string `json:"fields,omitempty"`
	Page     int      `json:"page"`
	PageSize int      `json:"pageSize"`
}

// gatewayResponse is the API-gateway-shaped envelope the analysis API
// Lambda returns in its payload.
type gatewayResponse struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

type listPage struct {
	Paging struct {
		TotalPages int `json:"totalPages"`
	} `json:"paging"`
	Rules  []rules.RuleSpec      `json:"rules"`
	Models []rules.DataModelSpec `json:"models"`
}

// ListEnabledRules fetches every page of enabled rules.
func (c *Client) ListEnabledRules(ctx context.Context) ([]rules.RuleSpec, error) {
	var specs []rules.RuleSpec
	err := c.listPages(ctx, "listRules", ruleFields, func(page listPage) {
		specs = append(specs, page.Rules...)
	})
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return specs, nil
}

// ListEnabledDataModels fetches every page of enabled data models.
func (c *Client) ListEnabledDataModels(ctx context.Context) ([]rules.DataModelSpec, error) {
	var specs []rules.DataModelSpec
	err := c.listPages(ctx, "listDataModels", nil, func(page listPage) {
		specs = append(specs, page.Models...)
	})
	if err != nil {
		return nil, fmt.Errorf("list data models: %w", err)
	}
	return specs, nil
}

func (c *Client) listPages(ctx context.Context, operation string, fields []string, collect func(listPage)) error {
	page := 1
	totalPages := 1
	for page <= totalPages {
		body, err := c.invokePage(ctx, operation, fields, page)
		if err != nil {
			return err
		}

		var parsed listPage
		if err := json.Unmarshal([]byte(body), &parsed); err != nil {
			return fmt.Errorf("%w: decode %s page %d: %w", rules.ErrCatalogUnavailable, operation, page, err)
		}
		collect(parsed)

		totalPages = parsed.Paging.TotalPages
		page++
	}
	return nil
}

func (c *Client) invokePage(ctx context.Context, operation string, fields []string, page int) (string, error) {
	payload, err := json.Marshal(map[string]listParams{
		operation: {
			Enabled:  true,
			Fields:   fields,
			Page:     page,
			PageSize: c.pageSize,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal %s request: %w", operation, err)
	}

	out, err := c.invoker.Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(c.functionName),
		Payload:      payload,
	})
	if err != nil {
		return "", fmt.Errorf("%w: invoke %s: %w", rules.ErrCatalogUnavailable, c.functionName, err)
	}
	if out.FunctionError != nil {
		return "", fmt.Errorf("%w: %s failed: %s", rules.ErrCatalogUnavailable, operation, aws.ToString(out.FunctionError))
	}

	var resp gatewayResponse
	if err := json.Unmarshal(out.Payload, &resp); err != nil {
		return "", fmt.Errorf("%w: decode %s envelope: %w", rules.ErrCatalogUnavailable, operation, err)
	}
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("%w: %s returned status %d", rules.ErrCatalogUnavailable, operation, resp.StatusCode)
	}
	return resp.Body, nil
}
