package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLoggerLevels(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, NewLogger("debug").GetLevel())
	assert.Equal(t, logrus.WarnLevel, NewLogger("WARN").GetLevel())
	assert.Equal(t, logrus.InfoLevel, NewLogger("not-a-level").GetLevel())
}
