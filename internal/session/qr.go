package session

import (
	"encoding/base64"

	"github.com/skip2/go-qrcode"
)

// QREncoder turns a pairing code into a displayable artifact.
type QREncoder func(code string) (string, error)

// EncodeQRDataURL renders code as a PNG data URL.
func EncodeQRDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
