package ingest

import (
	"context"
	"strings"

	"github.com/banshee-data/vitals.report/internal/telemetry"
)

// RunLines feeds newline-delimited payloads, such as the device's serial
// console, through h until ctx is done or lines is closed. Lines that do not
// start with '{' are console chatter and are skipped without being counted.
func RunLines(ctx context.Context, lines <-chan string, h DatagramHandler, origin telemetry.Origin) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "{") {
				continue
			}
			h.HandleDatagram([]byte(line), origin)
		}
	}
}
