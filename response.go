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

package xserve

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// ErrorBody is the JSON document sent with every synthesized error response.
type ErrorBody struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeResponse writes response on conn as an HTTP/1.1 message. Every response closes the connection.
func writeResponse(conn net.Conn, request *http.Request, response *Response, writeTimeout time.Duration) error {
	if closer, ok := response.Body.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	status := response.Status
	if status == 0 {
		status = http.StatusOK
	}

	header := response.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Connection")

	httpResponse := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: response.ContentLength,
		Close:         true,
		Request:       request,
	}

	if response.Body != nil {
		httpResponse.Body = io.NopCloser(response.Body)
	} else {
		httpResponse.ContentLength = 0
	}

	writer := bufio.NewWriter(conn)
	if err := httpResponse.Write(writer); err != nil {
		return errors.Wrap(err, "could not write response")
	}

	return errors.Wrap(writer.Flush(), "could not flush response")
}

// writeErrorResponse synthesizes a JSON error response for failures the application never answered itself.
func writeErrorResponse(conn net.Conn, request *http.Request, status int, message string, writeTimeout time.Duration, extraHeaders ...string) error {
	body, err := json.Marshal(&ErrorBody{
		Status:  status,
		Error:   http.StatusText(status),
		Message: message,
	})
	if err != nil {
		return err
	}

	response := NewResponse(status, body)
	response.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(extraHeaders); i += 2 {
		response.Header.Set(extraHeaders[i], extraHeaders[i+1])
	}

	return writeResponse(conn, request, response, writeTimeout)
}
