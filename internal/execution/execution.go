// Package execution forwards code-run requests to an external execution
// service and turns its answer into the text shown to a room.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// FailureOutput is broadcast in place of a result when the service call fails.
const FailureOutput = "Error: failed to execute code"

// ErrExecution wraps every failure talking to the execution service.
var ErrExecution = errors.New("execution failed")

// DefaultLanguageID is used for languages missing from the table.
const DefaultLanguageID = 63

var languageIDs = map[string]int{
	"javascript": 63,
	"typescript": 74,
	"python":     71,
	"java":       62,
	"cpp":        54,
	"c":          50,
	"csharp":     51,
	"go":         60,
	"ruby":       72,
	"rust":       73,
	"php":        68,
	"kotlin":     78,
	"swift":      83,
}

// LanguageID maps a language tag to an executor id, falling back to
// DefaultLanguageID rather than rejecting unknown tags.
func LanguageID(language string) int {
	if id, ok := languageIDs[strings.ToLower(strings.TrimSpace(language))]; ok {
		return id
	}
	return DefaultLanguageID
}

// Language is one entry of the language table.
type Language struct {
	Name       string `json:"name"`
	ExecutorID int    `json:"executor_id"`
}

// Languages lists the supported tags in name order.
func Languages() []Language {
	out := make([]Language, 0, len(languageIDs))
	for name, id := range languageIDs {
		out = append(out, Language{Name: name, ExecutorID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Request is a single run.
type Request struct {
	Code     string
	Language string
	Stdin    string
}

// Result is what the service reported for a run.
type Result struct {
	LanguageID    int
	Stdout        string
	Stderr        string
	CompileOutput string
	StatusID      int
	Status        string
	Duration      time.Duration
}

// StatusAccepted is the service's status id for a run that compiled and
// exited normally.
const StatusAccepted = 3

// Accepted reports whether the program ran to a normal exit. Compile errors,
// runtime errors and time limits are all abnormal.
func (r *Result) Accepted() bool {
	return r.StatusID == StatusAccepted
}

// Output composes the human-readable text broadcast to the room.
func (r *Result) Output() string {
	var sections []string
	if r.Stdout != "" {
		sections = append(sections, "Output:\n"+r.Stdout)
	}
	if r.Stderr != "" {
		sections = append(sections, "Error:\n"+r.Stderr)
	}
	if r.CompileOutput != "" {
		sections = append(sections, "Compilation Error:\n"+r.CompileOutput)
	}
	if len(sections) == 0 {
		return "No output"
	}
	return strings.Join(sections, "\n\n")
}

// Runner executes code. The hub depends on this rather than on Client so
// tests can substitute the service.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Client talks to a Judge0-compatible submissions endpoint.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the X-Auth-Token header sent with each submission.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds each call. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type submission struct {
	SourceCode string `json:"source_code"`
	LanguageID int    `json:"language_id"`
	Stdin      string `json:"stdin,omitempty"`
}

type submissionResult struct {
	Stdout        *string `json:"stdout"`
	Stderr        *string `json:"stderr"`
	CompileOutput *string `json:"compile_output"`
	Status        struct {
		ID          int    `json:"id"`
		Description string `json:"description"`
	} `json:"status"`
}

// Run submits the code and waits for the service's answer.
func (c *Client) Run(ctx context.Context, req Request) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	langID := LanguageID(req.Language)
	body, err := json.Marshal(submission{
		SourceCode: req.Code,
		LanguageID: langID,
		Stdin:      req.Stdin,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode submission: %v", ErrExecution, err)
	}

	url := c.baseURL + "/submissions?base64_encoded=false&wait=true"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("X-Auth-Token", c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: service returned %d: %s", ErrExecution, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out submissionResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode result: %v", ErrExecution, err)
	}

	return &Result{
		LanguageID:    langID,
		Stdout:        deref(out.Stdout),
		Stderr:        deref(out.Stderr),
		CompileOutput: deref(out.CompileOutput),
		StatusID:      out.Status.ID,
		Status:        out.Status.Description,
		Duration:      time.Since(start),
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
