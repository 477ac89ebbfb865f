package whatsapp

import (
	"fmt"
	"io"
	"strings"

	"github.com/skip2/go-qrcode"
)

// PrintQR renders code to w with half-block characters, two modules per line.
func PrintQR(w io.Writer, sessionID, code string) error {
	q, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		return fmt.Errorf("encode qr: %w", err)
	}
	bitmap := q.Bitmap()

	var b strings.Builder
	fmt.Fprintf(&b, "Scan with WhatsApp > Linked devices (session %s):\n", sessionID)
	for y := 0; y < len(bitmap); y += 2 {
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bottom := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bottom:
				b.WriteRune(' ')
			case top:
				b.WriteRune('▄')
			case bottom:
				b.WriteRune('▀')
			default:
				b.WriteRune('█')
			}
		}
		b.WriteByte('\n')
	}
	_, err = io.WriteString(w, b.String())
	return err
}
