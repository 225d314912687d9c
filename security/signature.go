package security

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/labstack/echo/v5"
)

const SignatureHeader = "X-Signature"

const maxWebhookBody = 64 << 10

func sum(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	return hex.EncodeToString(sum(secret, body))
}

// VerifySignature rejects requests whose X-Signature is not the HMAC of the
// body under secret. An empty secret disables the check.
func VerifySignature(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(secret) == 0 {
				return next(c)
			}

			body, err := readBody(c)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Unreadable body"})
			}

			got, err := hex.DecodeString(c.Request().Header.Get(SignatureHeader))
			if err != nil || !hmac.Equal(got, sum(secret, body)) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
			}

			return next(c)
		}
	}
}

// readBody reads the request body and puts it back for the next reader.
func readBody(c echo.Context) ([]byte, error) {
	req := c.Request()
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		return nil, err
	}
	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
