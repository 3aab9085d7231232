package objectstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestArtifactKey(t *testing.T) {
	tests := []struct {
		prefix, rx, snap, format string
		want                     string
	}{
		{"printed", "rx-1", "s1", "PDF", "printed/rx-1/s1.pdf"},
		{"", "rx-1", "s1", "png", "rx-1/s1.png"},
		{"printed", "a/b", "s1", "pdf", "printed/a%2Fb/s1.pdf"},
	}
	for _, tt := range tests {
		if got := ArtifactKey(tt.prefix, tt.rx, tt.snap, tt.format); got != tt.want {
			t.Errorf("ArtifactKey(%q, %q) = %q, want %q", tt.prefix, tt.rx, got, tt.want)
		}
	}
}

func TestIsNoSuchKey(t *testing.T) {
	wrapped := fmt.Errorf("remove: %w", minio.ErrorResponse{Code: "NoSuchKey"})
	if !IsNoSuchKey(wrapped) {
		t.Error("wrapped NoSuchKey not detected")
	}
	if IsNoSuchKey(minio.ErrorResponse{Code: "AccessDenied"}) {
		t.Error("AccessDenied treated as missing")
	}
	if IsNoSuchKey(errors.New("boom")) || IsNoSuchKey(nil) {
		t.Error("plain errors treated as missing")
	}
}
