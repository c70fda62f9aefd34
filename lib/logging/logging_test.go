package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer

	l := NewWithOutput(&buf, "debug", "json")
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	l.WithField("chain", "ethereum").Info("scanning")
	assert.Contains(t, buf.String(), `"chain":"ethereum"`)

	l = NewWithOutput(&buf, "verbose", "text")
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}
