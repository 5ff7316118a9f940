package client

import (
	"fmt"
	"io"
	"net"
	"testing"
)

func TestIsClosedErrSeesWrappedReadErrors(t *testing.T) {
	// The protocol layer wraps read errors, so bare comparisons never match.
	if !isClosedErr(fmt.Errorf("protocol: read length: %w", io.EOF)) {
		t.Fatalf("wrapped EOF not recognized as clean close")
	}
	if !isClosedErr(fmt.Errorf("protocol: read length: %w", net.ErrClosed)) {
		t.Fatalf("wrapped ErrClosed not recognized as clean close")
	}
	if isClosedErr(fmt.Errorf("protocol: unmarshal: bad json")) {
		t.Fatalf("ordinary error misread as clean close")
	}
	if isClosedErr(nil) {
		t.Fatalf("nil error misread as clean close")
	}
}
