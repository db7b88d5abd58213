package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesFieldsAndCause(t *testing.T) {
	err := New(
		"surface/registry",
		CodeDuplicateAssignment,
		WithMessage("request id already assigned"),
		WithRawCode("1000"),
		WithRawMessage("20240105 C 100"),
		WithFields(map[string]string{
			"expiration": "20240105",
			"strike":     "100",
		}),
		WithField("request_id", "1000"),
		WithCause(errors.New("slot taken")),
	)

	out := err.Error()
	if !strings.Contains(out, "source=surface/registry") {
		t.Fatalf("expected source marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=duplicate_assignment") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expectedFields := "fields=expiration=\"20240105\",request_id=\"1000\",strike=\"100\""
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, "raw_code=\"1000\" raw_msg=\"20240105 C 100\"") {
		t.Fatalf("expected raw upstream details in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"slot taken\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithFieldsMerge(t *testing.T) {
	err := New(
		"feed",
		CodeFeed,
		WithFields(map[string]string{"request_id": "1"}),
		WithFields(map[string]string{"request_id": "2", "code": "200"}),
	)

	if got := err.Fields["request_id"]; got != "2" {
		t.Fatalf("expected latest field to win, got %q", got)
	}
	if got := err.Fields["code"]; got != "200" {
		t.Fatalf("expected code field to be present, got %q", got)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestIsCodeWalksWrappedChain(t *testing.T) {
	inner := New("postgres", CodePersistence, WithMessage("insert failed"))
	outer := fmt.Errorf("save snapshot: %w", New("surface/writer", CodeInvalid, WithCause(inner)))

	if !IsCode(outer, CodeInvalid) {
		t.Fatal("expected outer code to match")
	}
	if !IsCode(outer, CodePersistence) {
		t.Fatal("expected nested code to match")
	}
	if IsCode(outer, CodeNotFound) {
		t.Fatal("unexpected match for absent code")
	}
	if IsCode(errors.New("plain"), CodeInvalid) {
		t.Fatal("plain errors never carry a code")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeInvalid:             http.StatusBadRequest,
		CodeNotFound:            http.StatusNotFound,
		CodeDuplicateAssignment: http.StatusConflict,
		CodeUnavailable:         http.StatusServiceUnavailable,
		CodePersistence:         http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := HTTPStatus(New("test", code)); got != want {
			t.Fatalf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
	if got := HTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Fatalf("expected 500 for plain error, got %d", got)
	}
}
