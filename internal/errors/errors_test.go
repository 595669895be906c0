package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
	"time"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	base := Wrap(CodeProviderFailure, stdErrors.New("dial tcp: refused"), "defillama fetch")
	wrapped := fmt.Errorf("collect: %w", base)

	if got := CodeOf(wrapped); got != CodeProviderFailure {
		t.Fatalf("expected %s, got %s", CodeProviderFailure, got)
	}
	if !IsCode(wrapped, CodeProviderFailure) {
		t.Fatalf("expected IsCode to match provider failure")
	}
	if IsCode(wrapped, CodeNoData) {
		t.Fatalf("unexpected match for NO_DATA")
	}
	if !RetryableError(wrapped) {
		t.Fatalf("provider failures should be retryable by default")
	}
}

func TestOptionsOverrideRegisteredAttributes(t *testing.T) {
	err := New(CodeNoData, "", WithAlert(false), WithSeverity(SeverityInfo), WithMetadata("scope", "aave/*"))
	if err.Message() != "no data available" {
		t.Fatalf("expected registered message, got %q", err.Message())
	}
	if err.ShouldAlert() {
		t.Fatalf("alert override ignored")
	}
	if err.Severity() != SeverityInfo {
		t.Fatalf("severity override ignored")
	}
	if err.Metadata()["scope"] != "aave/*" {
		t.Fatalf("metadata missing: %v", err.Metadata())
	}
}

func TestFromContextMapsDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	err := FromContext(ctx, CodeProviderFailure, "fetch aborted")
	if err == nil || err.Code() != CodeTimeout {
		t.Fatalf("expected timeout code, got %v", err)
	}

	cctx, ccancel := context.WithCancel(context.Background())
	ccancel()
	if got := FromContext(cctx, CodeProviderFailure, "fetch aborted"); got.Code() != CodeProviderFailure {
		t.Fatalf("expected fallback code, got %s", got.Code())
	}
	if FromContext(context.Background(), CodeProviderFailure, "") != nil {
		t.Fatalf("live context should not produce an error")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})
	if attr := AttributesOf(code); attr.Message != "custom" || !attr.Retryable {
		t.Fatalf("unexpected attributes: %+v", attr)
	}
	if AttributesOf("MISSING").Message != AttributesOf(CodeUnknown).Message {
		t.Fatalf("unregistered codes must fall back to UNKNOWN")
	}
	found := false
	for _, c := range Registered() {
		if c == code {
			found = true
		}
	}
	if !found {
		t.Fatalf("custom code not listed")
	}
}
