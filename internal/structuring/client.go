package structuring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arbor-research/arbor/internal/circuitbreaker"
	"github.com/arbor-research/arbor/internal/rowshape"
	"github.com/arbor-research/arbor/internal/tracing"
)

var (
	// ErrTruncated marks a structuring response cut off mid-stream. The call
	// is retryable; a later attempt may fit.
	ErrTruncated = errors.New("structuring response truncated")

	// ErrMalformed marks a response whose payload is not valid table JSON in
	// any accepted shape. Retrying with the same input rarely helps.
	ErrMalformed = errors.New("structuring response malformed")
)

// Config holds client construction parameters.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// Client talks to the table structuring service, which turns free-text
// research output into tabular JSON under an instruction.
type Client struct {
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

// NewClient creates a structuring service client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "structuring", logger),
		logger:  logger,
	}
}

// StructureRequest is one structuring call. ContextBlocks are the research
// documents, already lineage-prefixed and ordered by row index.
type StructureRequest struct {
	Instruction   string   `json:"instruction"`
	ContextBlocks []string `json:"context_blocks"`
}

// StructureResult is the normalized table output.
type StructureResult struct {
	Columns []string
	Rows    []map[string]interface{}
}

type wireResponse struct {
	Table     json.RawMessage `json:"table"`
	Truncated bool            `json:"truncated"`
}

// Structure runs one structuring call and normalizes the returned table.
// The service reports tables in several historical shapes; all of them are
// accepted through the shape detector.
func (c *Client) Structure(ctx context.Context, req StructureRequest) (*StructureResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode structuring request: %w", err)
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, c.baseURL+"/v1/structure")
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/structure", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build structuring request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("structuring request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("structuring request: status %d: %s", resp.StatusCode, raw)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read structuring response: %w", err)
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		// Some deployments return the table JSON directly with no envelope.
		return c.normalize(raw)
	}
	if wire.Truncated {
		return nil, ErrTruncated
	}
	if len(wire.Table) == 0 {
		return c.normalize(raw)
	}
	return c.normalize(wire.Table)
}

func (c *Client) normalize(raw []byte) (*StructureResult, error) {
	normalized, err := rowshape.DetectJSON(raw)
	if err != nil {
		var unrecognized *rowshape.ErrUnrecognized
		if errors.As(err, &unrecognized) {
			// Heuristic: an unterminated JSON document means the generator ran
			// out of room rather than produced garbage.
			if looksTruncated(raw) {
				return nil, ErrTruncated
			}
			c.logger.Warn("Unrecognized table shape", zap.String("detail", unrecognized.Detail))
			return nil, fmt.Errorf("%w: %s", ErrMalformed, unrecognized.Detail)
		}
		return nil, err
	}
	return &StructureResult{Columns: normalized.Columns, Rows: normalized.Rows}, nil
}

// looksTruncated reports whether raw is a JSON prefix that was cut off,
// judged by unbalanced brackets outside of strings.
func looksTruncated(raw []byte) bool {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return false
	}
	depth := 0
	inString := false
	escaped := false
	for _, r := range s {
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString && r == '\\':
			escaped = true
		case r == '"':
			inString = !inString
		case !inString && (r == '{' || r == '['):
			depth++
		case !inString && (r == '}' || r == ']'):
			depth--
		}
	}
	return depth > 0 || inString
}
