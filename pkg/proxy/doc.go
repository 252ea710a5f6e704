// Package proxy implements the Proxy Router (§4.3): an HTTP front end
// exposing the chat-completions contract. On each request it resolves a
// model name to a launch spec, asks the supervisor to ensure that model is
// the one running, then forwards the request — including streaming
// responses — to the subprocess.
//
// The proxy carries no state of its own beyond request-scoped header
// filtering: no caching, no retries, no request rewriting. Retries are the
// client's or the supervisor's responsibility.
package proxy
