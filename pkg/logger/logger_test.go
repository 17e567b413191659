// pkg/logger/logger_test.go
package logger_test

import (
	"context"
	"testing"

	"github.com/querywatch/subscription-consumer/pkg/logger"
)

func TestNew_DefaultsToInfo(t *testing.T) {
	log, err := logger.New(logger.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("ok")
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := logger.New(logger.Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestWithContext_NoSpanIsNoop(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "debug", DevMode: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := log.WithContext(context.Background()); got != log {
		t.Error("expected same logger when context carries no span")
	}
}

func TestNamed(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "debug", DevMode: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Named("sub").Debug("named logger works")
}
