/*
	Copyright NetFoundry Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/


package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/pkg/errors"
)

const (
	EncodingBrotli = "br"

	headerAcceptEncoding  = "Accept-Encoding"
	headerContentEncoding = "Content-Encoding"
	headerContentLength   = "Content-Length"
	headerVary            = "Vary"
)

var brotliWriters = sync.Pool{
	New: func() interface{} {
		return brotli.NewWriterLevel(nil, brotli.DefaultCompression)
	},
}

// NewCompressionHandler brotli encodes the responses of handler for requests that accept it. Responses that
// already carry a Content-Encoding, responses without a body and HEAD requests are passed through.
func NewCompressionHandler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method == http.MethodHead || !AcceptsEncoding(request, EncodingBrotli) {
			handler.ServeHTTP(writer, request)
			return
		}

		compressed := &compressionWriter{ResponseWriter: writer}
		defer compressed.finish()

		handler.ServeHTTP(compressed, request)
	})
}

// AcceptsEncoding reports whether the Accept-Encoding header of request lists encoding with a non zero quality
func AcceptsEncoding(request *http.Request, encoding string) bool {
	for _, value := range request.Header.Values(headerAcceptEncoding) {
		for _, part := range strings.Split(value, ",") {
			name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
			name = strings.TrimSpace(name)
			if !strings.EqualFold(name, encoding) && name != "*" {
				continue
			}
			if quality, found := strings.CutPrefix(strings.TrimSpace(params), "q="); found {
				if q, err := strconv.ParseFloat(quality, 64); err == nil && q == 0 {
					return false
				}
			}
			return true
		}
	}
	return false
}

type compressionWriter struct {
	http.ResponseWriter
	encoder     *brotli.Writer
	wroteHeader bool
}

func (w *compressionWriter) WriteHeader(statusCode int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	header := w.Header()
	if header.Get(headerContentEncoding) == "" && bodyAllowed(statusCode) {
		header.Set(headerContentEncoding, EncodingBrotli)
		header.Add(headerVary, headerAcceptEncoding)
		header.Del(headerContentLength)

		w.encoder = brotliWriters.Get().(*brotli.Writer)
		w.encoder.Reset(w.ResponseWriter)
	}

	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *compressionWriter) Write(data []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.encoder == nil {
		return w.ResponseWriter.Write(data)
	}
	return w.encoder.Write(data)
}

// Flush pushes buffered compressed data to the client
func (w *compressionWriter) Flush() {
	if w.encoder != nil {
		_ = w.encoder.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *compressionWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}

func (w *compressionWriter) finish() {
	if w.encoder == nil {
		return
	}
	_ = w.encoder.Close()
	w.encoder.Reset(nil)
	brotliWriters.Put(w.encoder)
	w.encoder = nil
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
