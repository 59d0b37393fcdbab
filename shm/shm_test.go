package shm_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/nasa-jpl/golacq/shm"
)

func TestMapSharesBetweenMappings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region")
	a, err := shm.Map(path, 4096, true)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := shm.Map(path, 4096, false)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	a.Mem[100] = 42
	if b.Mem[100] != 42 {
		t.Errorf("write through first mapping not visible in second, got %d", b.Mem[100])
	}
}

func TestMapExistingTooSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region")
	a, err := shm.Map(path, 4096, true)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	_, err = shm.Map(path, 8192, false)
	if !errors.Is(err, shm.ErrTooSmall) {
		t.Errorf("expected ErrTooSmall, got %v", err)
	}
}

func TestMapMissingWithoutCreate(t *testing.T) {
	_, err := shm.Map(filepath.Join(t.TempDir(), "nope"), 4096, false)
	if err == nil {
		t.Error("expected error mapping a missing file without create")
	}
}

func TestCloseTwice(t *testing.T) {
	r, err := shm.Map(filepath.Join(t.TempDir(), "region"), 64, true)
	if err != nil {
		t.Fatal(err)
	}
	if err = r.Close(); err != nil {
		t.Fatal(err)
	}
	if err = r.Close(); !errors.Is(err, shm.ErrUnmapped) {
		t.Errorf("expected ErrUnmapped on second close, got %v", err)
	}
}
