package logging

import (
	"bytes"
	"strings"
	"testing"

	"go.viam.com/test"
)

func TestConsoleOutputFormat(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := NewBlankLogger("calib")
	logger.AddAppender(NewWriterAppender(notStdout))

	logger.Infof("camera %d calibrated", 2)
	line, err := notStdout.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)
	parts := strings.Split(strings.TrimSuffix(line, "\n"), "\t")
	test.That(t, len(parts), test.ShouldEqual, 5)
	test.That(t, parts[1], test.ShouldEqual, "INFO")
	test.That(t, parts[2], test.ShouldEqual, "calib")
	test.That(t, parts[3], test.ShouldStartWith, "logging/impl_test.go:")
	test.That(t, parts[4], test.ShouldEqual, "camera 2 calibrated")

	logger.Warnw("few inliers", "camera", 1, "inliers", 5)
	line, err = notStdout.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)
	test.That(t, line, test.ShouldContainSubstring, `{"camera":1,"inliers":5}`)
}

func TestLevels(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := NewBlankLogger("lvl")
	logger.AddAppender(NewWriterAppender(notStdout))
	logger.SetLevel(WARN)

	logger.Debug("hidden")
	logger.Info("hidden")
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)
	logger.Error("shown")
	test.That(t, notStdout.String(), test.ShouldContainSubstring, "shown")

	level, err := LevelFromString("WARNING")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, WARN)
	_, err = LevelFromString("loud")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSubloggerAndObserver(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	sub := logger.Sublogger("ransac")
	sub.Debugw("trial", "inliers", 12)

	entries := observed.All()
	test.That(t, len(entries), test.ShouldEqual, 1)
	test.That(t, entries[0].LoggerName, test.ShouldEqual, "ransac")
	test.That(t, entries[0].ContextMap()["inliers"], test.ShouldEqual, int64(12))
	test.That(t, logger.Sync(), test.ShouldBeNil)
}

func TestWithFields(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	camLogger := logger.With("camera", "cam1")
	camLogger.Infow("frame calibrated", "frame", 3)
	logger.Info("plain")

	entries := observed.All()
	test.That(t, len(entries), test.ShouldEqual, 2)
	fields := entries[0].ContextMap()
	test.That(t, fields["camera"], test.ShouldEqual, "cam1")
	test.That(t, fields["frame"], test.ShouldEqual, int64(3))
	test.That(t, entries[1].ContextMap(), test.ShouldBeEmpty)

	sub := camLogger.Sublogger("ransac")
	sub.Debug("trial")
	test.That(t, observed.All()[2].LoggerName, test.ShouldEqual, "ransac")
	test.That(t, observed.All()[2].ContextMap()["camera"], test.ShouldEqual, "cam1")
}
