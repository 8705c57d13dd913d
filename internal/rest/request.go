package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// Request describes one logical API call.
type Request struct {
	Method string
	// Path is relative to the API base URL, e.g. "channels/123/messages".
	Path  string
	Body  any
	Query url.Values
	// Reason is recorded in the guild audit log when non-empty.
	Reason string
}

// Response is a successful API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Bucket     string
}

// Decode unmarshals the JSON body into out. Empty bodies are a no-op.
func (r *Response) Decode(out any) error {
	if r == nil || out == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("rest: decode response: %w", err)
	}
	return nil
}

// FileUpload is a request body carrying a binary attachment. It is sent as
// multipart form data with a "file" part and a "payload_json" part.
type FileUpload struct {
	Name        string
	ContentType string
	Content     io.Reader
	Payload     any
}

const (
	headerAuthorization = "Authorization"
	headerAuditReason   = "X-Audit-Log-Reason"
	headerContentType   = "Content-Type"
	headerUserAgent     = "User-Agent"
)

func (c *Client) newRequest(ctx context.Context, method string, req Request) (*http.Request, error) {
	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	target := c.baseURL + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("rest: build request: %w", err)
	}

	httpReq.Header.Set(headerUserAgent, c.userAgent)
	if c.token != "" {
		httpReq.Header.Set(headerAuthorization, "Bot "+c.token)
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		httpReq.Header.Set(headerAuditReason, encodeReason(reason))
	}
	if contentType != "" {
		httpReq.Header.Set(headerContentType, contentType)
	}
	return httpReq, nil
}

func encodeBody(body any) (io.Reader, string, error) {
	switch value := body.(type) {
	case nil:
		return nil, "", nil
	case *FileUpload:
		if value == nil {
			return nil, "", nil
		}
		return encodeMultipart(value)
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, "", fmt.Errorf("rest: encode body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func encodeMultipart(upload *FileUpload) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if upload.Content != nil {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(upload.Name)))
		contentType := upload.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set(headerContentType, contentType)

		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("rest: create file part: %w", err)
		}
		if _, err := io.Copy(part, upload.Content); err != nil {
			return nil, "", fmt.Errorf("rest: write file part: %w", err)
		}
	}

	if upload.Payload != nil {
		payload, err := json.Marshal(upload.Payload)
		if err != nil {
			return nil, "", fmt.Errorf("rest: encode payload_json: %w", err)
		}
		if err := writer.WriteField("payload_json", string(payload)); err != nil {
			return nil, "", fmt.Errorf("rest: write payload_json: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("rest: close multipart body: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

// encodeReason percent-encodes like encodeURIComponent, so spaces become %20.
func encodeReason(reason string) string {
	return strings.ReplaceAll(url.QueryEscape(reason), "+", "%20")
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
