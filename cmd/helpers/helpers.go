package helpers

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// SetupLogger builds a logrus FieldLogger with the given level, output
// format (text or json) and fields.
func SetupLogger(logLevelStr, format string, reportCaller bool, fields log.Fields) (log.FieldLogger, error) {
	logLevel, err := log.ParseLevel(logLevelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %v", logLevelStr, err)
	}
	logger := log.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logLevel)
	logger.SetReportCaller(reportCaller)

	switch format {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "01-02-2006 15:04:05",
		})
	default:
		return nil, fmt.Errorf("invalid log format %q, must be text or json", format)
	}
	return logger.WithFields(fields), nil
}

// SetFlagsFromEnv parses all registered flags in the given flagset,
// and if they are not already set it attempts to set their values from
// environment variables. Environment variables take the name of the flag but
// are UPPERCASE, and any dashes are replaced by underscores. Environment
// variables additionally are prefixed by the given string followed by
// and underscore. For example, if prefix=PREFIX: some-flag => PREFIX_SOME_FLAG
func SetFlagsFromEnv(fs *pflag.FlagSet, prefix string) (err error) {
	alreadySet := make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) {
		alreadySet[f.Name] = true
	})
	fs.VisitAll(func(f *pflag.Flag) {
		if !alreadySet[f.Name] {
			key := EnvName(prefix, f.Name)
			val := os.Getenv(key)
			if val != "" {
				if serr := fs.Set(f.Name, val); serr != nil {
					err = fmt.Errorf("invalid value %q for %s: %v", val, key, serr)
				}
			}
		}
	})
	return err
}

// EnvName returns the environment variable SetFlagsFromEnv reads for flag.
func EnvName(prefix, flag string) string {
	return prefix + "_" + strings.ToUpper(strings.Replace(flag, "-", "_", -1))
}
