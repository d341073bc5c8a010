package errors

import (
	"errors"
	"testing"
)

func TestManagerErrorFormatting(t *testing.T) {
	err := New(CategoryConfiguration, SeverityCritical, "boom")
	if err.Error() != "[configuration:critical] boom" {
		t.Errorf("unexpected formatting: %s", err.Error())
	}

	wrapped := Wrap(CategoryDaemonIO, SeverityCritical, "wrap", errors.New("inner"))
	if wrapped.Error() != "[daemon_io:critical] wrap: inner" {
		t.Errorf("unexpected wrapped formatting: %s", wrapped.Error())
	}
}

func TestManagerErrorIs(t *testing.T) {
	a := New(CategoryConfiguration, SeverityCritical, "a")
	b := New(CategoryConfiguration, SeverityLow, "b")
	c := New(CategoryDaemonIO, SeverityLow, "c")

	if !errors.Is(a, b) {
		t.Error("errors in the same category should match Is")
	}
	if errors.Is(a, c) {
		t.Error("errors in different categories should not match Is")
	}
}

func TestWithContext(t *testing.T) {
	err := New(CategoryConfiguration, SeverityCritical, "boom").WithContext("circuit", "x")
	if err.Context["circuit"] != "x" {
		t.Error("WithContext did not record the value")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(DuplicateCircuit("x")) {
		t.Error("configuration errors must not be retryable")
	}
	if !IsRetryable(Transient("probe failed", errors.New("timeout"))) {
		t.Error("transient errors must be retryable")
	}
	if IsRetryable(errors.New("plain error")) {
		t.Error("non-ManagerError errors are never retryable")
	}
}

func TestGetCategoryAndIsCategory(t *testing.T) {
	err := AllCircuitsUnhealthy()
	if GetCategory(err) != CategoryResourceExhaustion {
		t.Errorf("expected resource_exhaustion category, got %s", GetCategory(err))
	}
	if !IsCategory(err, CategoryResourceExhaustion) {
		t.Error("IsCategory should match")
	}
	if IsCategory(err, CategoryDaemonIO) {
		t.Error("IsCategory should not match a different category")
	}
	if GetCategory(errors.New("plain")) != CategoryConfiguration {
		t.Error("plain errors default to configuration category")
	}
}

func TestConstructors(t *testing.T) {
	cases := []*ManagerError{
		DuplicateCircuit("x"),
		UnnamedRigidCircuit("x"),
		UnknownAction("api"),
		NoCircuitFound(3),
		RigidCircuitMisuse("x"),
		MissingIP("x"),
		AllCircuitsUnhealthy(),
		IPChangeExhausted("x", 7),
		DaemonListFailed(errors.New("ps failed")),
		DaemonSignalFailed(123, errors.New("esrch")),
	}
	for _, c := range cases {
		if c.Message == "" {
			t.Errorf("constructor produced empty message for category %s", c.Category)
		}
	}
}
