// Package types defines the shared wire and error types of the gateway.
//
// The canonical request/response shape is OpenAI Chat Completions; every
// provider family translates to and from it. Errors carry a gateway-level
// kind that is mapped to an HTTP status only at the edge.
package types
