package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndFields(t *testing.T) {
	err := New(
		"bitfinex",
		CodeInvalid,
		WithMessage("subscription rejected"),
		WithRawCode("10300"),
		WithRawMessage("subscribe: dup"),
		WithCanonicalCode(CanonicalSubscriptionRejected),
		WithField("key", "book:tBTCUSD:P0:F0:25"),
		WithCause(errors.New("server said no")),
	)

	out := err.Error()
	for _, want := range []string{
		"bitfinex: subscription_rejected [invalid_request]",
		": subscription rejected",
		`(raw 10300 "subscribe: dup")`,
		`key="book:tBTCUSD:P0:F0:25"`,
		": server said no",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in error string: %s", want, out)
		}
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("bitfinex", CodeInvalid, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), string(CanonicalUnknown)) {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestIsMatchesByCanonicalCode(t *testing.T) {
	err := New("bitfinex", CodeInvalid, WithCanonicalCode(CanonicalMalformedFrame))
	wrapped := fmt.Errorf("decode: %w", err)

	if !errors.Is(wrapped, ErrMalformedFrame) {
		t.Fatalf("expected wrapped error to match ErrMalformedFrame")
	}
	if errors.Is(wrapped, ErrStateAnomaly) {
		t.Fatalf("did not expect match against ErrStateAnomaly")
	}
	if CanonicalOf(wrapped) != CanonicalMalformedFrame {
		t.Fatalf("unexpected canonical code %q", CanonicalOf(wrapped))
	}
	if CanonicalOf(errors.New("plain")) != CanonicalUnknown {
		t.Fatalf("expected unknown canonical code for plain error")
	}
}

func TestUnknownCanonicalNeverMatches(t *testing.T) {
	a := New("bitfinex", CodeExchange)
	b := New("bitfinex", CodeExchange)
	if errors.Is(a, b) {
		t.Fatalf("unknown canonical codes must not match each other")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
