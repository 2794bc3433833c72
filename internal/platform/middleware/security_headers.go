package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets the response headers of a JSON API that carries
// patient names and phone numbers.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			// No MIME sniffing of JSON bodies.
			h.Set("X-Content-Type-Options", "nosniff")

			// The API is never framed.
			h.Set("X-Frame-Options", "DENY")

			// A JSON API loads no resources.
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

			// HSTS for one year, subdomains included.
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			// Agenda URLs carry patient and professional ids.
			h.Set("Referrer-Policy", "no-referrer")

			// Agenda views change with every booking.
			h.Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}
