// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindInvalidArgument, "request too short")
	if err.Error() != "request too short" {
		t.Errorf("expected 'request too short', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "failed to dispatch")
	if wrapped.Error() != "failed to dispatch: request too short" {
		t.Errorf("expected 'failed to dispatch: request too short', got '%s'", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindAccessDenied, "caller not privileged")
	if GetKind(err) != KindAccessDenied {
		t.Errorf("expected KindAccessDenied, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindInternal, "failed")
	if GetKind(wrapped) != KindInternal {
		t.Errorf("expected KindInternal, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindInvalidArgument: "invalid_argument",
		KindNotSupported:    "not_supported",
		KindAccessDenied:    "access_denied",
		KindBufferTooSmall:  "buffer_too_small",
		KindNoMemory:        "no_memory",
		KindCancelled:       "cancelled",
		KindTimedOut:        "timed_out",
		KindInternal:        "internal",
		KindUnknown:         "unknown",
	}
	for kind, want := range cases {
		if kind.String() != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, kind.String(), want)
		}
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindNoMemory, "client array full")
	err = Attr(err, "hookpoint", "ingress")
	err = Attr(err, "capacity", 16)

	attrs := GetAttributes(err)
	if attrs["hookpoint"] != "ingress" {
		t.Errorf("expected ingress, got %v", attrs["hookpoint"])
	}
	if attrs["capacity"] != 16 {
		t.Errorf("expected 16, got %v", attrs["capacity"])
	}

	wrapped := Wrap(err, KindInternal, "failed")
	wrapped = Attr(wrapped, "operation", "attach")

	allAttrs := GetAttributes(wrapped)
	if allAttrs["hookpoint"] != "ingress" || allAttrs["operation"] != "attach" {
		t.Errorf("missing attributes: %v", allAttrs)
	}
}
