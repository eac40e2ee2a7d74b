package logging

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

type testAppender struct {
	tb     testing.TB
	fields []zapcore.Field
}

// NewTestAppender returns a core that logs to the underlying `testing.TB` object, so log lines
// are associated with the test that produced them even when tests run in parallel. Entries are
// written in the local timezone.
func NewTestAppender(tb testing.TB) zapcore.Core {
	return &testAppender{tb: tb}
}

func (tapp *testAppender) Enabled(zapcore.Level) bool {
	return true
}

func (tapp *testAppender) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(tapp.fields)+len(fields))
	merged = append(merged, tapp.fields...)
	return &testAppender{tb: tapp.tb, fields: append(merged, fields...)}
}

func (tapp *testAppender) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return checked.AddCore(entry, tapp)
}

// Write outputs the log entry to the underlying test object `Log` method.
func (tapp *testAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	tapp.tb.Helper()
	const maxLength = 6
	toPrint := make([]string, 0, maxLength)
	toPrint = append(toPrint, entry.Time.Format(DefaultTimeFormatStr))
	toPrint = append(toPrint, strings.ToUpper(entry.Level.String()))
	toPrint = append(toPrint, entry.LoggerName)
	if entry.Caller.Defined {
		toPrint = append(toPrint, callerToString(entry.Caller))
	}
	toPrint = append(toPrint, entry.Message)

	all := append(append([]zapcore.Field{}, tapp.fields...), fields...)
	if len(all) == 0 {
		tapp.tb.Log(strings.Join(toPrint, "\t"))
		return nil
	}

	// Encode with an empty Entry so only the fields, in order, end up in the output.
	jsonEncoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{SkipLineEnding: true})
	buf, err := jsonEncoder.EncodeEntry(zapcore.Entry{}, all)
	if err != nil {
		tapp.tb.Log(strings.Join(toPrint, "\t"))
		return err
	}
	toPrint = append(toPrint, buf.String())
	buf.Free()
	tapp.tb.Log(strings.Join(toPrint, "\t"))
	return nil
}

// Sync is a no-op.
func (tapp *testAppender) Sync() error {
	return nil
}

// Returns e.g. "logging/impl_test.go:36".
func callerToString(caller zapcore.EntryCaller) string {
	dir := filepath.Base(filepath.Dir(caller.File))
	return fmt.Sprintf("%s/%s:%d", dir, filepath.Base(caller.File), caller.Line)
}
