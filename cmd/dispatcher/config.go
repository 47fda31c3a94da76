package main

import (
	"encoding/json"
	"os"
	"strconv"
)

// Config is read from environment variables: no config framework,
// just os.Getenv with defaults.
type Config struct {
	RunID           string
	DBPath          string
	NATSURL         string
	CronExpr        string
	PlanPath        string
	WorkerEndpoints map[string]string
	HTTPAddr        string

	RateLimitCapacity  int64
	RateLimitPerSecond int64
	CircuitMinSamples  int
	DispatchRetries    int
}

func loadConfig() Config {
	cfg := Config{
		RunID:    getEnvDefault("WORKFORCE_RUN_ID", "workforce-run"),
		DBPath:   getEnvDefault("WORKFORCE_DB_PATH", "./workforce.db"),
		NATSURL:  os.Getenv("WORKFORCE_NATS_URL"),
		CronExpr: getEnvDefault("WORKFORCE_CRON_EXPR", "*/1 * * * * *"),
		PlanPath: os.Getenv("WORKFORCE_PLAN_PATH"),
		HTTPAddr: getEnvDefault("WORKFORCE_HTTP_ADDR", ":8090"),

		RateLimitCapacity:  int64(getEnvInt("WORKFORCE_RATE_LIMIT_CAPACITY", 50)),
		RateLimitPerSecond: int64(getEnvInt("WORKFORCE_RATE_LIMIT_PER_SECOND", 10)),
		CircuitMinSamples:  getEnvInt("WORKFORCE_CIRCUIT_MIN_SAMPLES", 5),
		DispatchRetries:    getEnvInt("WORKFORCE_DISPATCH_RETRIES", 2),
	}
	cfg.WorkerEndpoints = parseWorkerEndpoints(os.Getenv("WORKFORCE_WORKER_ENDPOINTS"))
	return cfg
}

// parseWorkerEndpoints accepts a JSON object mapping worker id to the
// full URL tasks are posted to, e.g. {"w1":"http://worker1:9000/run"}.
func parseWorkerEndpoints(raw string) map[string]string {
	out := make(map[string]string)
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
