package importer

import (
	"context"
	"errors"
	"testing"
)

func TestNewCommandConverter_Missing(t *testing.T) {
	_, err := NewCommandConverter("no-such-office-suite-binary")
	if !errors.Is(err, ErrConverterUnavailable) {
		t.Fatalf("expected ErrConverterUnavailable, got %v", err)
	}
}

func TestUnavailableConverter(t *testing.T) {
	c := unavailableConverter{err: ErrConverterUnavailable}
	if _, err := c.Convert(context.Background(), "x.doc"); !errors.Is(err, ErrConverterUnavailable) {
		t.Errorf("expected ErrConverterUnavailable, got %v", err)
	}
}
