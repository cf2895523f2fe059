package blob

import (
	"context"
	"errors"
	"testing"
)

func TestAttachmentKey(t *testing.T) {
	tests := []struct {
		fileName string
		want     string
	}{
		{"letter.pdf", "attachments/2026/district-01/upl_1/letter.pdf"},
		{`C:\Users\me\letter.pdf`, "attachments/2026/district-01/upl_1/letter.pdf"},
		{"../../etc/passwd", "attachments/2026/district-01/upl_1/passwd"},
		{"", "attachments/2026/district-01/upl_1/attachment"},
	}
	for _, tt := range tests {
		if got := AttachmentKey("district-01", "2026", "upl_1", tt.fileName); got != tt.want {
			t.Errorf("AttachmentKey(%q) = %q, want %q", tt.fileName, got, tt.want)
		}
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	data := []byte("%PDF-1.7")
	if err := store.Put(ctx, Object{Key: "a/b.pdf", Data: data}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	data[0] = 'X'

	object, err := store.Get(ctx, "a/b.pdf")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(object.Data) != "%PDF-1.7" {
		t.Errorf("stored data changed with caller's slice: %q", object.Data)
	}
	if object.ContentType != "application/octet-stream" {
		t.Errorf("expected default content type, got %q", object.ContentType)
	}
}
