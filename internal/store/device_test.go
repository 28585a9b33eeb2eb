package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestDeviceID_GeneratedOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.DeviceID(ctx)
	if err != nil {
		t.Fatalf("DeviceID() failed: %v", err)
	}
	if first == "" {
		t.Fatal("DeviceID() returned empty string")
	}

	second, err := s.DeviceID(ctx)
	if err != nil {
		t.Fatalf("second DeviceID() failed: %v", err)
	}
	if second != first {
		t.Errorf("DeviceID() not stable: %q then %q", first, second)
	}
}

func TestDeviceID_StableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	first, err := s.DeviceID(ctx)
	if err != nil {
		t.Fatalf("DeviceID() failed: %v", err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	second, err := s2.DeviceID(ctx)
	if err != nil {
		t.Fatalf("DeviceID() after reopen failed: %v", err)
	}
	if second != first {
		t.Errorf("DeviceID() changed across restart: %q then %q", first, second)
	}
}
