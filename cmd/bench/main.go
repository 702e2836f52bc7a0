// README: Benchmark runner for the carpool API; executes HTTP/DB/Redis checks and prints results.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
	StatusSkip Status = "SKIP"
)

type Config struct {
	BaseURL     string
	DSN         string
	RedisAddr   string
	Strict      bool
	Timeout     time.Duration
	Concurrency int
	Seats       int
	Duration    time.Duration
}

func main() {
	cfg, err := loadConfig(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bench:", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	results := NewRunner(cfg).RunAll(ctx)
	sum := summarize(results)
	fmt.Println("\n== Summary ==")
	fmt.Println(sum)
	os.Exit(sum.exitCode(cfg.Strict))
}

// summary counts results per status.
type summary map[Status]int

func summarize(results []Result) summary {
	s := summary{}
	for _, r := range results {
		s[r.Status]++
	}
	return s
}

func (s summary) String() string {
	return fmt.Sprintf("PASS=%d FAIL=%d SKIP=%d", s[StatusPass], s[StatusFail], s[StatusSkip])
}

// exitCode is non-zero on any failure, and in strict mode on any skipped
// check as well.
func (s summary) exitCode(strict bool) int {
	if s[StatusFail] > 0 || (strict && s[StatusSkip] > 0) {
		return 1
	}
	return 0
}

// loadConfig reads CARPOOL_BENCH_* variables as defaults for the flags.
// Malformed variables are reported together rather than silently ignored.
func loadConfig(fs *flag.FlagSet, args []string, getenv func(string) string) (Config, error) {
	var errs []error
	str := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}
	num := func(key string, def int) int {
		v := getenv(key)
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Errorf("invalid %s %q: want a positive integer", key, v))
			return def
		}
		return n
	}
	dur := func(key string, def time.Duration) time.Duration {
		v := getenv(key)
		if v == "" {
			return def
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
			return def
		}
		return d
	}
	strict := false
	if v := getenv("CARPOOL_BENCH_STRICT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid CARPOOL_BENCH_STRICT: %w", err))
		}
		strict = b
	}

	var cfg Config
	fs.StringVar(&cfg.BaseURL, "base-url", str("CARPOOL_BENCH_BASE_URL", "http://localhost:8080"), "API base URL")
	fs.StringVar(&cfg.DSN, "dsn", getenv("CARPOOL_DB_DSN"), "Postgres DSN (optional)")
	fs.StringVar(&cfg.RedisAddr, "redis", getenv("CARPOOL_REDIS_ADDR"), "Redis address (optional)")
	fs.BoolVar(&cfg.Strict, "strict", strict, "Fail on skipped checks")
	fs.DurationVar(&cfg.Timeout, "timeout", dur("CARPOOL_BENCH_TIMEOUT", 60*time.Second), "Total timeout")
	fs.IntVar(&cfg.Concurrency, "concurrency", num("CARPOOL_BENCH_CONCURRENCY", 20), "Concurrent riders")
	fs.IntVar(&cfg.Seats, "seats", num("CARPOOL_BENCH_SEATS", 4), "Seats on the contended offer")
	fs.DurationVar(&cfg.Duration, "duration", dur("CARPOOL_BENCH_DURATION", 10*time.Second), "Duration for perf tests")
	if err := fs.Parse(args); err != nil {
		errs = append(errs, err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, errors.Join(errs...)
}
