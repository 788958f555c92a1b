package main

import (
	"fmt"
	"io"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/seaborne/multisense/internal/portal"
)

// writeJoinQR prints a terminal QR code that joins the named open
// provisioning network when scanned with a phone camera.
func writeJoinQR(w io.Writer, apName string) error {
	q, err := qrcode.New(portal.JoinString(apName), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode join code: %w", err)
	}
	fmt.Fprint(w, q.ToSmallString(false))
	return nil
}
