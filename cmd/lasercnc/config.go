package main

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type config struct {
	GRBLPort   string
	LimitsPort string
	Baud       int
	Addr       string
	DataDir    string
	Profile    string
	LogLevel   string

	LimitsMaxAge time.Duration
	PollInterval time.Duration
	ListPorts    bool
}

// loadConfig reads flags, using the environment (and an optional .env
// file) for defaults.
func loadConfig(fs *flag.FlagSet, args []string) (*config, error) {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		log.Warnln("load .env:", err)
	}

	var cfg config
	fs.StringVar(&cfg.GRBLPort, "port", getEnv("GRBL_PORT", "/dev/ttyUSB0"), "Serial device of the GRBL controller.")
	fs.StringVar(&cfg.LimitsPort, "limits", getEnv("LIMITS_PORT", "/dev/ttyUSB1"), "Serial device of the limit switch controller.")
	fs.IntVar(&cfg.Baud, "baud", getEnvAsInt("BAUD", 115200), "Baud rate of both devices.")
	fs.StringVar(&cfg.Addr, "addr", getEnv("ADDR", ":9091"), "Address to bind the server to.")
	fs.StringVar(&cfg.DataDir, "dir", getEnv("DATA_DIR", "./data"), "Data directory to use.")
	fs.StringVar(&cfg.Profile, "profile", getEnv("PROFILE", ""), "Machine profile (yaml). Built-in defaults if empty.")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level.")
	fs.DurationVar(&cfg.LimitsMaxAge, "limits-max-age", getEnvAsDuration("LIMITS_MAX_AGE", time.Second), "Oldest limit switch report that is trusted.")
	fs.DurationVar(&cfg.PollInterval, "poll", getEnvAsDuration("POLL_INTERVAL", 250*time.Millisecond), "Status report interval while idle.")
	fs.BoolVar(&cfg.ListPorts, "list-ports", false, "List USB serial devices and exit.")

	err = fs.Parse(args)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(name string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(name, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(name, "")); err == nil {
		return value
	}
	return defaultValue
}
