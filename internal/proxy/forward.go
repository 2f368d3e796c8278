package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

// Headers not forwarded upstream. Content-Type is re-derived so a
// re-encoded multipart body keeps a valid boundary.
var skipRequestHeaders = map[string]bool{
	"host":              true,
	"content-length":    true,
	"transfer-encoding": true,
	"content-type":      true,
}

// buildUpstreamRequest translates the inbound request into one aimed at
// the tenant's private port, preserving method, query string, headers
// and body. Three body encodings: multipart form (files as binary
// parts, other fields as strings), JSON (parsed and re-serialized,
// falling back to raw bytes), and raw bytes for anything else on
// mutating methods.
func (h *Handler) buildUpstreamRequest(r *http.Request, port int, subpath string) (*http.Request, int64, error) {
	urlPath := "/"
	if subpath != "" {
		urlPath = "/" + subpath
	}
	target := fmt.Sprintf("http://localhost:%d%s", port, urlPath)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	body, contentType, err := encodeBody(r)
	if err != nil {
		return nil, 0, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	upstream, err := http.NewRequestWithContext(r.Context(), r.Method, target, reader)
	if err != nil {
		return nil, 0, err
	}

	for key, values := range r.Header {
		if skipRequestHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			upstream.Header.Add(key, v)
		}
	}
	if contentType != "" {
		upstream.Header.Set("Content-Type", contentType)
	}

	return upstream, int64(len(body)), nil
}

func encodeBody(r *http.Request) (body []byte, contentType string, err error) {
	inbound := r.Header.Get("Content-Type")

	switch {
	case strings.Contains(inbound, "multipart/form-data"):
		return encodeMultipart(r)

	case strings.Contains(inbound, "application/json"):
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, "", err
		}
		if len(raw) == 0 {
			return nil, "", nil
		}
		var parsed interface{}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			// Not actually JSON; forward the bytes untouched.
			return raw, inbound, nil
		}
		reencoded, err := json.Marshal(parsed)
		if err != nil {
			return raw, inbound, nil
		}
		return reencoded, "application/json", nil

	case r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch:
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, "", err
		}
		if len(raw) == 0 {
			return nil, "", nil
		}
		return raw, inbound, nil
	}

	return nil, "", nil
}

// encodeMultipart re-encodes the inbound form with a fresh boundary:
// file parts keep filename and content type, plain fields keep their
// string values.
func encodeMultipart(r *http.Request) ([]byte, string, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, "", fmt.Errorf("parse multipart form: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for field, values := range r.MultipartForm.Value {
		for _, v := range values {
			if err := writer.WriteField(field, v); err != nil {
				return nil, "", err
			}
		}
	}

	for field, files := range r.MultipartForm.File {
		for _, header := range files {
			file, err := header.Open()
			if err != nil {
				return nil, "", err
			}

			partHeader := textproto.MIMEHeader{}
			partHeader.Set("Content-Disposition",
				fmt.Sprintf(`form-data; name=%q; filename=%q`, field, header.Filename))
			if ct := header.Header.Get("Content-Type"); ct != "" {
				partHeader.Set("Content-Type", ct)
			}

			part, err := writer.CreatePart(partHeader)
			if err != nil {
				file.Close()
				return nil, "", err
			}
			if _, err := io.Copy(part, file); err != nil {
				file.Close()
				return nil, "", err
			}
			file.Close()
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}
