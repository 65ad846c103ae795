package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr     string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath       string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath   string `envconfig:"DATABASE_PATH" default:"/app/data/termlab.db"`
	LogPath        string `envconfig:"LOG_PATH" default:""`
	ChallengesPath string `envconfig:"CHALLENGES_PATH" default:"/app/challenges"`
	JWTSecret      string `envconfig:"JWT_SECRET" default:""`

	// Container resource profile
	DockerHost  string `envconfig:"DOCKER_HOST" default:""`
	ImageName   string `envconfig:"IMAGE_NAME" default:"termlab-shell:latest"`
	MemoryLimit string `envconfig:"MEMORY_LIMIT" default:"256m"`
	CPULimit    string `envconfig:"CPU_LIMIT" default:"0.5"`
	PidsLimit   int64  `envconfig:"PIDS_LIMIT" default:"100"`
	NetworkMode string `envconfig:"NETWORK_MODE" default:"none"`

	// Session budgets
	MaxSessionsPerUser int           `envconfig:"MAX_SESSIONS_PER_USER" default:"1"`
	MaxTotalSessions   int           `envconfig:"MAX_TOTAL_SESSIONS" default:"15"`
	IdleTimeout        time.Duration `envconfig:"IDLE_TIMEOUT" default:"10m"`
	MaxSessionDuration time.Duration `envconfig:"MAX_SESSION_DURATION" default:"15m"`
	CleanupInterval    time.Duration `envconfig:"CLEANUP_INTERVAL" default:"5m"`
	DrainTimeout       time.Duration `envconfig:"DRAIN_TIMEOUT" default:"1s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TERMLAB", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// MemoryBytes returns the configured container memory limit in bytes.
func (s Settings) MemoryBytes() int64 {
	n, err := units.RAMInBytes(s.MemoryLimit)
	if err != nil {
		log.Printf("WARNING: invalid MEMORY_LIMIT %q, using 256m", s.MemoryLimit)
		n, _ = units.RAMInBytes("256m")
	}
	return n
}

// NanoCPUs returns the configured CPU limit in nanocores. Accepts a
// fractional core count ("0.5") or a millicore suffix ("500m").
func (s Settings) NanoCPUs() int64 {
	return ParseCPUToNanoCPUs(s.CPULimit)
}

func ParseCPUToNanoCPUs(cpuStr string) int64 {
	if strings.HasSuffix(cpuStr, "m") {
		var n int64
		fmt.Sscanf(cpuStr[:len(cpuStr)-1], "%d", &n)
		return n * 1_000_000
	}
	var f float64
	fmt.Sscanf(cpuStr, "%f", &f)
	return int64(f * 1_000_000_000)
}
