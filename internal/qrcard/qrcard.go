// Package qrcard renders the patient card the registrar prints. The QR code
// carries the patient id, which is what the physician scans.
package qrcard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
)

// DefaultSize is the printed card edge in pixels.
const DefaultSize = 256

// PNG encodes payload as a QR image of size x size pixels.
func PNG(payload string, size int) ([]byte, error) {
	if payload == "" {
		return nil, clinic.NewValidationError("payload", "is required")
	}
	if size <= 0 {
		size = DefaultSize
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

// Terminal renders payload with half-block characters, two modules per
// character row, for display in a text console.
func Terminal(payload string) (string, error) {
	q, err := qrcode.New(payload, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	bits := q.Bitmap()
	var b strings.Builder
	for y := 0; y < len(bits); y += 2 {
		for x := range bits[y] {
			top := bits[y][x]
			bottom := y+1 < len(bits) && bits[y+1][x]
			switch {
			case top && bottom:
				b.WriteRune('█')
			case top:
				b.WriteRune('▀')
			case bottom:
				b.WriteRune('▄')
			default:
				b.WriteRune(' ')
			}
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// Printer writes patient cards as PNG files.
type Printer struct {
	dir  string
	size int
	log  zerolog.Logger
}

func NewPrinter(dir string, size int, logger zerolog.Logger) *Printer {
	return &Printer{dir: dir, size: size, log: logger}
}

// Print writes the card of p and returns the file path.
func (pr *Printer) Print(p clinic.Patient) (string, error) {
	png, err := PNG(p.ID, pr.size)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(pr.dir, 0o755); err != nil {
		return "", fmt.Errorf("create card dir: %w", err)
	}
	path := filepath.Join(pr.dir, fileName(p))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("write card: %w", err)
	}
	pr.log.Info().Str("patient_id", p.ID).Str("path", path).Msg("patient card written")
	return path, nil
}

func fileName(p clinic.Patient) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, p.ID)
	return "card_" + safe + ".png"
}
