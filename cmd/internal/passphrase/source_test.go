package passphrase

import (
	"io"
	"testing"
)

func testSource(env map[string]string, tty bool, typed string) (*Source, *int) {
	reads := 0
	s := NewSource("CERTD_KEYSTORE_PASS")
	s.prompt = io.Discard
	s.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	s.isTerminal = func() bool { return tty }
	s.readPassword = func() ([]byte, error) {
		reads++
		return []byte(typed), nil
	}
	return s, &reads
}

func TestEnvWins(t *testing.T) {
	s, reads := testSource(map[string]string{"CERTD_KEYSTORE_PASS": "from-env"}, true, "typed")
	got, err := s.Get()
	if err != nil || got != "from-env" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	if *reads != 0 {
		t.Fatalf("expected no prompt")
	}
}

func TestBlankEnvRejected(t *testing.T) {
	s, _ := testSource(map[string]string{"CERTD_KEYSTORE_PASS": "  "}, true, "typed")
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected blank env to fail")
	}
}

func TestPromptCachedOnce(t *testing.T) {
	s, reads := testSource(nil, true, "typed")
	for i := 0; i < 3; i++ {
		got, err := s.Get()
		if err != nil || got != "typed" {
			t.Fatalf("Get() = %q, %v", got, err)
		}
	}
	if *reads != 1 {
		t.Fatalf("expected a single prompt, got %d", *reads)
	}
}

func TestNoTerminal(t *testing.T) {
	s, _ := testSource(nil, false, "")
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected failure without a terminal")
	}
}

func TestBlankTypedRejected(t *testing.T) {
	s, _ := testSource(nil, true, "   ")
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected blank passphrase to fail")
	}
}
