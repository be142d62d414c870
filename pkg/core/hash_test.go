package core_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/agenthands/blobstore/pkg/core"
)

func TestIoHash(t *testing.T) {
	a := core.ComputeIoHash([]byte("hello"))
	if a != core.ComputeIoHash([]byte("hello")) {
		t.Fatal("hash is not deterministic")
	}
	if a == core.ComputeIoHash([]byte("hellp")) {
		t.Fatal("different content produced the same hash")
	}
	if a.IsZero() || !(core.IoHash{}).IsZero() {
		t.Error("IsZero is wrong")
	}

	s := a.String()
	if len(s) != 2*core.IoHashSize || s != strings.ToLower(s) {
		t.Errorf("unexpected hex form %q", s)
	}
	parsed, err := core.ParseIoHash(s)
	if err != nil || parsed != a {
		t.Errorf("ParseIoHash(%q) = %v, %v", s, parsed, err)
	}
	if upper, err := core.ParseIoHash(strings.ToUpper(s)); err != nil || upper != a {
		t.Errorf("upper-case hex should parse, got %v, %v", upper, err)
	}

	for _, bad := range []string{"", "zz", s[:38], s + "00"} {
		if _, err := core.ParseIoHash(bad); !errors.Is(err, core.ErrInvalidInput) {
			t.Errorf("ParseIoHash(%q): expected ErrInvalidInput, got %v", bad, err)
		}
	}
}
