package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// qrSize is the PNG edge length in pixels.
const qrSize = 512

// QRCodeTool renders its argument as a QR code PNG.
func QRCodeTool(out *OutputStore) Tool {
	return Tool{
		Name:        "qrcode",
		Description: "Creates a QR code image for a link or text. Argument: the exact content to encode.",
		Shape:       TextFiles,
		Invoke: func(_ context.Context, arg string) (Result, error) {
			content := strings.TrimSpace(arg)
			if content == "" {
				return Result{}, errors.New("nothing to encode")
			}
			png, err := qrcode.Encode(content, qrcode.Medium, qrSize)
			if err != nil {
				return Result{}, fmt.Errorf("encode qr code: %w", err)
			}
			path, err := out.Write("qrcode", "png", png)
			if err != nil {
				return Result{}, err
			}
			return Result{Text: "QR code created and attached.", Files: []string{path}}, nil
		},
	}
}
