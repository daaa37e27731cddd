// Package vendorhttp holds the HTTP plumbing shared by every package under
// internal/vendors: building a per-request client, issuing the upstream
// call, and scanning an SSE body line-by-line with transparent gzip/brotli
// decompression.
package vendorhttp

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// BuildClient returns a client scoped to one request; adapters hold no
// long-lived client state between calls.
func BuildClient() *http.Client {
	return &http.Client{Timeout: 0}
}

// Do issues req and returns the response with a decompressing body reader
// already substituted in, so callers never see Content-Encoding framing.
func Do(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	body, err := decompress(resp)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("decompress upstream body: %w", err)
	}

	resp.Body = body

	return resp, nil
}

type readCloser struct {
	io.Reader
	underlying io.Closer
}

func (r readCloser) Close() error { return r.underlying.Close() }

func decompress(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}

		return readCloser{Reader: gz, underlying: resp.Body}, nil
	case "br":
		return readCloser{Reader: brotli.NewReader(resp.Body), underlying: resp.Body}, nil
	default:
		return resp.Body, nil
	}
}

// ReadErrorBody drains and returns resp.Body as a string, for error
// classification. Safe to call once; the body is consumed afterward.
func ReadErrorBody(resp *http.Response) string {
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return ""
	}

	return string(b)
}

// SSELine is one decoded "event:"/"data:" pair from an SSE stream. Event is
// empty when the stream uses bare "data:" framing (no explicit event line).
type SSELine struct {
	Event string
	Data  string
	Raw   string // full raw line, for vendors whose framing isn't event/data (Vercel's N: prefixes)
}

// ScanSSE reads body line by line, calling emit with one SSELine per
// non-blank SSE data line, and with a Raw-only SSELine for any other line
// that is not blank, a comment, or an event line. It stops at EOF, a "data: [DONE]"
// sentinel, or ctx cancellation. Blank lines flush a pending event line;
// comment lines (leading ':') are skipped per the SSE spec.
func ScanSSE(ctx context.Context, body io.Reader, emit func(SSELine) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var pendingEvent string

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()

		switch {
		case line == "":
			pendingEvent = ""
			continue
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "event: "):
			pendingEvent = strings.TrimPrefix(line, "event: ")
			continue
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return nil
			}

			if err := emit(SSELine{Event: pendingEvent, Data: data, Raw: line}); err != nil {
				return err
			}
		default:
			if err := emit(SSELine{Raw: line}); err != nil {
				return err
			}
		}
	}

	return scanner.Err()
}

// NowTimeout returns a context with the given timeout applied, or ctx
// unchanged with a no-op cancel if d <= 0.
func NowTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, d)
}
