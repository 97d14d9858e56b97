package logging

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetup_DebugRaisesLevel(t *testing.T) {
	logger := Setup(Options{Debug: true})
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("expected debug level, got %v", logger.GetLevel())
	}
}

func TestSetup_DefaultLevelIsInfo(t *testing.T) {
	logger := Setup(Options{})
	if logger.GetLevel() != logrus.InfoLevel {
		t.Errorf("expected info level, got %v", logger.GetLevel())
	}
}

func TestSetup_FilePathCreatesRotatingSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "kiro-gateway.log")
	logger := Setup(Options{FilePath: path})
	logger.Info("hello")
}

func TestOrDefault(t *testing.T) {
	if got := orDefault(0, 5); got != 5 {
		t.Errorf("expected fallback for zero, got %d", got)
	}
	if got := orDefault(-1, 5); got != 5 {
		t.Errorf("expected fallback for negative, got %d", got)
	}
	if got := orDefault(9, 5); got != 9 {
		t.Errorf("expected explicit value to win, got %d", got)
	}
}
