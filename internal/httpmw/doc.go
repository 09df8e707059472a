// Package httpmw provides HTTP middleware for the public API server.
//
// httpserver composes them outermost first: recover, security headers,
// request ID, client IP, flood guard, otel tracing, metrics, request logger,
// access log, max body, then the chi router with route annotation.
//
// Request logs carry method, route, status and sizes but never query strings,
// bodies or headers, since those hold participant e-mails and names.
package httpmw
