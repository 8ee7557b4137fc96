package logs

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the shared service logger. Components log through it directly
// instead of threading a logger handle through every constructor.
var Log = logrus.New()

func init() {
	Log.SetOutput(os.Stdout)
	Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel adjusts verbosity once at startup ("debug", "info", ...).
// Unknown values keep the current level.
func SetLevel(level string) {
	if level == "" {
		return
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		Log.Warnf("unknown log level %q, keeping %s", level, Log.GetLevel())
		return
	}
	Log.SetLevel(lvl)
}
