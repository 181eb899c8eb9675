package plugin

import (
	"context"
	"testing"
)

func TestBeamNameContextRoundTrip(t *testing.T) {
	ctx := withBeamName(context.Background(), "compile")
	if got := beamNameFromContext(ctx); got != "compile" {
		t.Errorf("beamNameFromContext = %q, want %q", got, "compile")
	}
}

func TestBeamNameFromContextDefaultsEmpty(t *testing.T) {
	if got := beamNameFromContext(context.Background()); got != "" {
		t.Errorf("beamNameFromContext on bare context = %q, want empty", got)
	}
}
