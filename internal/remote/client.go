package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kilupskalvis/mastiff/internal/models"
	"github.com/kilupskalvis/mastiff/internal/signature"
	"github.com/kilupskalvis/mastiff/internal/sketch"
)

// RemoteClient runs queries against a mastiff server
type RemoteClient interface {
	Search(ctx context.Context, sig *signature.Signature, queryName string) (*Table, error)
	Gather(ctx context.Context, sig *signature.Signature, queryName string) (*Table, error)
}

// HTTPClient implements RemoteClient over HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the server at baseURL. A zero timeout
// means requests never time out.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Search posts sig to the search route. The returned table gains a query
// column holding queryName.
func (c *HTTPClient) Search(ctx context.Context, sig *signature.Signature, queryName string) (*Table, error) {
	body, err := encodeSignature(sig)
	if err != nil {
		return nil, err
	}
	t, err := c.post(ctx, SearchPath, body)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	t.AddColumn("query", queryName)
	return t, nil
}

// Gather posts sig to the gather route
func (c *HTTPClient) Gather(ctx context.Context, sig *signature.Signature, queryName string) (*Table, error) {
	body, err := encodeSignature(sig)
	if err != nil {
		return nil, err
	}
	t, err := c.post(ctx, GatherPath, body)
	if err != nil {
		return nil, fmt.Errorf("gather: %w", err)
	}
	t.AddColumn("query", queryName)
	return t, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body []byte) (*Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/csv")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}
	return ParseTable(resp.Body)
}

// encodeSignature serializes sig as gzipped JSON
func encodeSignature(sig *signature.Signature) ([]byte, error) {
	var buf bytes.Buffer
	if err := signature.WriteGzip(&buf, []*signature.Signature{sig}); err != nil {
		return nil, fmt.Errorf("encode signature: %w", err)
	}
	return buf.Bytes(), nil
}

// QueryParams describe how a query signature is prepared
type QueryParams struct {
	KSize  uint32
	Scaled uint64
	IsSig  bool // input is a signature file rather than sequences
}

// PrepareQuery builds the signature to send for the file at path. Sequence
// files ("-" for stdin) are sketched, skipping invalid k-mers; signature
// files are reduced to the matching sketch without abundances. The query
// name is the path, or the first record id when reading stdin.
func PrepareQuery(path string, p QueryParams) (*signature.Signature, string, error) {
	if p.IsSig {
		sigs, err := signature.LoadFile(path)
		if err != nil {
			return nil, "", err
		}
		sel := &models.Selection{KSize: p.KSize, Scaled: p.Scaled, Molecule: models.MoleculeDNA}
		sig, sk, err := signature.PrepareQuery(sigs, sel)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", path, err)
		}
		return signature.New(sig.Name, sig.Filename, sk), path, nil
	}

	sk, firstID, err := sketch.FromFastx(path, sketch.Params{KSize: p.KSize, Scaled: p.Scaled}, true)
	if err != nil {
		return nil, "", err
	}
	if sk.IsEmpty() {
		return nil, "", fmt.Errorf("%s: %w", path, signature.ErrNoCompatibleSketch)
	}
	queryName := path
	if path == "-" {
		queryName = firstID
	}
	if queryName == "" {
		return nil, "", fmt.Errorf("couldn't determine query name: %s has no records", path)
	}
	return signature.New("mastiff query", path, sk), queryName, nil
}

// RemoteError represents a structured error from the server.
type RemoteError struct {
	Code    string
	Message string
	Status  int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Message)
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil || errResp.Error == "" {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &RemoteError{
			Code:    "unknown",
			Message: msg,
			Status:  resp.StatusCode,
		}
	}

	return &RemoteError{
		Code:    errResp.Error,
		Message: errResp.Message,
		Status:  resp.StatusCode,
	}
}
