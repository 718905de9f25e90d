// Package transport carries command requests and streamed message packets
// between a command client and a command server.
//
// Ownership boundary:
// - symmetric encryption of parameters, tokens, and packets
// - packet encoding (one independently decryptable line per message)
// - HTTP client with schema pre-validation and connection retries
// - gin command server that streams a dispatcher channel to the caller
//
// Wire shape: POST {base}/{command/path} with form field "params";
// Authorization: Token <user> <encrypted-token>. Success is
// application/x-ndjson, failure is a single JSON error object.
package transport
