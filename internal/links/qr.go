package links

import (
	"errors"
	"strings"

	"rsc.io/qr"
)

// QRCode renders link as a PNG QR code.
func QRCode(link string) ([]byte, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return nil, errors.New("link is required")
	}
	code, err := qr.Encode(link, qr.M)
	if err != nil {
		return nil, err
	}
	code.Scale = 8
	return code.PNG(), nil
}
