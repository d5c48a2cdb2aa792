package console

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const PictoProbe = "🔌"
const PictoCapture = "📈"
const PictoFinish = "🏁"
const PictoFolder = "📁"
const PictoStop = "🚫"

var writer io.Writer
var errWriter io.Writer

func init() {
	writer = os.Stdout
	errWriter = os.Stderr
}

func SetOutput(w, errw io.Writer) {
	writer = w
	errWriter = errw
}

func Errorf(msg string, args ...interface{}) {
	_, _ = fmt.Fprintf(errWriter, "%s: %s\n", Red("ERROR"), fmt.Sprintf(msg, args...))
}

func Warnf(msg string, args ...interface{}) {
	_, _ = fmt.Fprintf(errWriter, "%s: %s\n", Yellow("WARN"), fmt.Sprintf(msg, args...))
}

func Infof(msg string, args ...interface{}) {
	_, _ = fmt.Fprintf(writer, "%s %s\n", White("..."), fmt.Sprintf(msg, args...))
}

// Debugf prints only when ctx was marked verbose.
func Debugf(ctx context.Context, msg string, args ...interface{}) {
	if IsVerbose(ctx) {
		_, _ = fmt.Fprintf(writer, "%s %s\n", White("[DEBUG]"), fmt.Sprintf(msg, args...))
	}
}

// Dump prints a labelled hex dump of buf when ctx was marked verbose.
func Dump(ctx context.Context, label string, buf []byte) {
	if IsVerbose(ctx) {
		_, _ = fmt.Fprintf(writer, "%s:\n%s", label, hex.Dump(buf))
	}
}

func PInfof(picto, msg string, args ...interface{}) {
	_, _ = fmt.Fprintf(writer, "%s %s\n", picto, fmt.Sprintf(msg, args...))
}

func Printf(msg string, args ...interface{}) {
	_, _ = fmt.Fprintf(writer, msg, args...)
}
