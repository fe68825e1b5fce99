// Package middleware holds the chi middleware shared by the relay API and the
// reverse proxy, plus the JSON response helpers they use.
package middleware
