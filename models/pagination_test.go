package models_test

import (
	"testing"
	"time"

	"github.com/mmdatafocus/garage_backend/models"
)

func TestCompositeCursorRoundTrip(t *testing.T) {
	value := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC).Format("2006-01-02 15:04:05.000")
	encoded := models.EncodeCompositeCursor(value, 42)

	gotValue, gotId := models.DecodeCompositeCursor(&encoded)
	if gotValue != value {
		t.Fatalf("expected value %q, got %q", value, gotValue)
	}
	if gotId != 42 {
		t.Fatalf("expected id 42, got %d", gotId)
	}
}

func TestDecodeCompositeCursorMalformed(t *testing.T) {
	for name, cursor := range map[string]*string{
		"nil":           nil,
		"empty":         ptr(""),
		"not base64":    ptr("%%%%"),
		"no separator":  ptr("bm9zZXBhcmF0b3I="),   // "noseparator"
		"id not number": ptr("dmFsdWV8bm90LWlk"), // "value|not-id"
	} {
		t.Run(name, func(t *testing.T) {
			value, id := models.DecodeCompositeCursor(cursor)
			if value != "" || id != 0 {
				t.Fatalf("malformed cursor should decode to zero values, got %q %d", value, id)
			}
		})
	}
}

func ptr(s string) *string {
	return &s
}
