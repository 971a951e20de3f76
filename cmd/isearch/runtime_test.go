package main

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/Napageneral/isearch/internal/config"
)

func TestModelID(t *testing.T) {
	cfg := config.EmbedderConfig{Provider: "onnx", ModelPath: "/models/all-MiniLM-L6-v2.onnx", Dimensions: 384}
	if got := modelID(cfg); got != "onnx:all-MiniLM-L6-v2.onnx:384" {
		t.Fatalf("unexpected model id %q", got)
	}
	if got := modelID(config.EmbedderConfig{Provider: "hash", Dimensions: 16}); got != "hash:16" {
		t.Fatalf("unexpected model id %q", got)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	if l := newLogger(config.LogConfig{Level: "DEBUG", Format: "json"}); l.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", l.GetLevel())
	}
	if l := newLogger(config.LogConfig{Level: "bogus"}); l.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info fallback, got %s", l.GetLevel())
	}
}
