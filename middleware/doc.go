// Package middleware adapts finauth token verification to net/http.
//
// [Guard] reads the bearer token, calls Engine.VerifyToken and stores the
// verified claims in the request context. [RequirePermission] additionally
// checks one permission claim. [ClientContext] records the caller's address
// and user agent so engine calls made by the handler carry them.
//
// Failures are answered with a JSON body naming only the error kind; backend
// error text is never written to the client.
package middleware
