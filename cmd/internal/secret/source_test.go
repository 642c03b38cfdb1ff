package secret

import "testing"

func TestSourceReadsEnvironment(t *testing.T) {
	t.Setenv("ARCESC_TEST_SECRET", "s3cret")
	src := NewSource("ARCESC_TEST_SECRET", "signing secret")
	value, err := src.Get()
	if err != nil || value != "s3cret" {
		t.Fatalf("unexpected secret %q: %v", value, err)
	}
	t.Setenv("ARCESC_TEST_SECRET", "changed")
	if again, _ := src.Get(); again != "s3cret" {
		t.Fatalf("expected cached value, got %q", again)
	}
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	t.Setenv("ARCESC_TEST_SECRET", "   ")
	if _, err := NewSource("ARCESC_TEST_SECRET", "signing secret").Get(); err == nil {
		t.Fatalf("expected error for blank secret")
	}
}
