// internal/utils/logger/config.go
package logger

// Config controls the log sinks and verbosity.
type Config struct {
	LogFile     string // empty disables the file sink
	MaxSizeMB   int
	MaxAgeDays  int
	MaxBackups  int
	Compress    bool
	Development bool // debug level
}

func DefaultConfig() *Config {
	return &Config{
		LogFile:    "sniper.log",
		MaxSizeMB:  100,
		MaxAgeDays: 7,
		MaxBackups: 3,
		Compress:   true,
	}
}
