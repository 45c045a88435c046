// Package main provides a TCP server that runs DotData scripts.
package main

import (
	"encoding/json"
	"strings"
)

// Request carries a script from the client. A line that is not a JSON
// object is treated as a one-line script.
type Request struct {
	Script string `json:"script"`
}

// Response is written as one JSON line per request.
type Response struct {
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Type      string          `json:"type,omitempty"` // "result" or "auth"
	Result    json.RawMessage `json:"result,omitempty"`
}

// AuthResponse is the result of a successful AUTH command.
type AuthResponse struct {
	Authenticated bool   `json:"authenticated"`
	Identity      string `json:"identity"`
	ExpiresIn     int    `json:"expires_in,omitempty"`
}

// EncodeResponse serializes a Response to JSON with a newline.
func EncodeResponse(resp Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecodeRequest parses one request line.
func DecodeRequest(line string) (Request, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return Request{Script: line}, nil
	}
	var req Request
	err := json.Unmarshal([]byte(line), &req)
	return req, err
}
