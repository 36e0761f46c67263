package execution

import (
	"strings"
	"testing"
	"time"
)

func TestRegistryCancelIsMonotonic(t *testing.T) {
	r := NewRegistry()
	r.Register("p1")

	if r.Cancelled("p1") {
		t.Fatal("fresh token reports cancelled")
	}
	r.Cancel("p1")
	if !r.Cancelled("p1") {
		t.Fatal("cancel not visible")
	}
	r.Cancel("p1")
	if !r.Cancelled("p1") {
		t.Fatal("second cancel cleared the token")
	}

	r.Clear("p1")
	if r.Cancelled("p1") {
		t.Fatal("cleared token still cancelled")
	}
	r.Register("p1")
	if r.Cancelled("p1") {
		t.Fatal("re-registered token inherited old cancel")
	}
}

func TestRegistryCancelBeforeRegister(t *testing.T) {
	r := NewRegistry()

	// stop_recipe can race ahead of the executor's registration.
	r.Cancel("p1")
	if !r.Cancelled("p1") {
		t.Fatal("early cancel lost")
	}
	r.Register("p1")
	if !r.Cancelled("p1") {
		t.Fatal("registration reset an early cancel")
	}
}

func TestRegistryTokensAreIndependent(t *testing.T) {
	r := NewRegistry()
	r.Register("p1")
	r.Register("p2")
	r.Cancel("p1")

	if !r.Cancelled("p1") || r.Cancelled("p2") {
		t.Fatalf("cancel leaked across tokens: p1=%v p2=%v", r.Cancelled("p1"), r.Cancelled("p2"))
	}
}

func TestRegistryDoneChannel(t *testing.T) {
	r := NewRegistry()
	done := r.Done("p1")

	select {
	case <-done:
		t.Fatal("done closed before cancel")
	default:
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Cancel("p1")
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done not closed after cancel")
	}

	// Already-cancelled pid yields a closed channel immediately.
	select {
	case <-r.Done("p1"):
	default:
		t.Fatal("Done after cancel not closed")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 100); got != "short" {
		t.Fatalf("truncate(short) = %q", got)
	}
	exact := strings.Repeat("x", 100)
	if got := truncate(exact, 100); got != exact {
		t.Fatalf("boundary string modified: %d chars", len(got))
	}
	long := strings.Repeat("y", 150)
	got := truncate(long, 100)
	if len([]rune(got)) != 100 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate(long) = %d runes, suffix %q", len([]rune(got)), got[len(got)-3:])
	}

	wide := strings.Repeat("µ", 150)
	got = truncate(wide, 100)
	if n := len([]rune(got)); n != 100 {
		t.Fatalf("multibyte truncate = %d runes, want 100", n)
	}
}
