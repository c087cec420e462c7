package png

import "github.com/skip2/go-qrcode"

// DefaultSize is the edge of the rendered image in pixels.
const DefaultSize = 300

// QR renders content as a PNG QR code. size <= 0 means DefaultSize.
func QR(content string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultSize
	}
	return qrcode.Encode(content, qrcode.Medium, size)
}
