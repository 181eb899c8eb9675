package interp

import (
	"testing"

	"github.com/stevedores-org/aurora/internal/aerrors"
)

func testNamespaces() Namespaces {
	return Namespaces{
		Var:  map[string]string{"name": "aurora"},
		Env:  map[string]string{"HOME": "/home/aurora"},
		Beam: map[string]string{"name": "build"},
		Ctx:  NewCtx(),
	}
}

func TestInterpolateSubstitutesEachNamespace(t *testing.T) {
	ns := testNamespaces()
	cases := []struct {
		in   string
		want string
	}{
		{"hello ${var.name}", "hello aurora"},
		{"${env.HOME}/bin", "/home/aurora/bin"},
		{"beam is ${beam.name}", "beam is build"},
		{"no placeholders here", "no placeholders here"},
		{"escaped $$ sign", "escaped $ sign"},
		{"trailing $", "trailing $"},
	}
	for _, c := range cases {
		got, err := Interpolate(c.in, ns)
		if err != nil {
			t.Errorf("Interpolate(%q): unexpected error %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("Interpolate(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestInterpolateCtxReflectsSetVar(t *testing.T) {
	ns := testNamespaces()
	ns.Ctx.Set("stage", "two")

	got, err := Interpolate("${ctx.stage}", ns)
	if err != nil {
		t.Fatalf("Interpolate: %v", err)
	}
	if got != "two" {
		t.Errorf("Interpolate(${ctx.stage}) = %q, want %q", got, "two")
	}
}

func TestInterpolateUnknownNamespace(t *testing.T) {
	ns := testNamespaces()
	_, err := Interpolate("${bogus.key}", ns)
	assertErrorKind(t, err, "unknown_namespace")
}

func TestInterpolateUnknownVariable(t *testing.T) {
	ns := testNamespaces()
	_, err := Interpolate("${var.missing}", ns)
	assertErrorKind(t, err, "unknown_variable")
}

func TestInterpolateMalformedPlaceholder(t *testing.T) {
	ns := testNamespaces()
	cases := []string{"${var.name", "${novalue}", "${.name}", "${var.}"}
	for _, in := range cases {
		_, err := Interpolate(in, ns)
		assertErrorKind(t, err, "malformed_placeholder")
	}
}

func TestInterpolateAllFailsFast(t *testing.T) {
	ns := testNamespaces()
	_, err := InterpolateAll([]string{"${var.name}", "${var.missing}"}, ns)
	if err == nil {
		t.Fatal("expected an error from the second entry")
	}
}

func TestInterpolateEnvLeavesKeysAlone(t *testing.T) {
	ns := testNamespaces()
	out, err := InterpolateEnv(map[string]string{"GREETING": "hi ${var.name}"}, ns)
	if err != nil {
		t.Fatalf("InterpolateEnv: %v", err)
	}
	if out["GREETING"] != "hi aurora" {
		t.Errorf("InterpolateEnv value = %q, want %q", out["GREETING"], "hi aurora")
	}
}

func assertErrorKind(t *testing.T, err error, wantKind string) {
	t.Helper()
	ie, ok := err.(*aerrors.InterpolationError)
	if !ok {
		t.Fatalf("expected *aerrors.InterpolationError, got %T (%v)", err, err)
	}
	if ie.Kind != wantKind {
		t.Errorf("error kind = %q, want %q", ie.Kind, wantKind)
	}
}
