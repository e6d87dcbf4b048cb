package transport

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// QRRenderer turns raw pairing tokens into PNG data URLs.
type QRRenderer struct {
	Size int
}

// Encode renders token as a data URL that a browser can show directly.
func (r QRRenderer) Encode(token string) (string, error) {
	size := r.Size
	if size == 0 {
		size = 256
	}
	png, err := qrcode.Encode(token, qrcode.Medium, size)
	if err != nil {
		return "", fmt.Errorf("render pairing code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
