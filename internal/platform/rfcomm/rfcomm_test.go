package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"go.uber.org/zap/zaptest"

	"dev.c0redev.rclink/internal/link"
)

func TestDialMissingPort(t *testing.T) {
	d := New(0, zaptest.NewLogger(t))
	_, err := d.Dial(context.Background(), "/dev/rfcomm-rclink-missing")
	if !errors.Is(err, link.ErrDeviceNotFound) {
		t.Fatalf("got %v", err)
	}
	if !link.IsPermanent(err) {
		t.Fatal("missing port should not be retried")
	}
}

func TestDialCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(115200, nil).Dial(ctx, "/dev/rfcomm0")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil) != nil {
		t.Fatal("nil")
	}
	if err := Classify(fmt.Errorf("open: %w", fs.ErrPermission)); !errors.Is(err, link.ErrPermissionDenied) {
		t.Fatalf("permission: %v", err)
	}
	other := errors.New("io")
	if Classify(other) != other {
		t.Fatal("unknown errors pass through")
	}
}
