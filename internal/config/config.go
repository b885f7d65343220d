package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// EngineConfig selects the inference backend shared by single and parallel
// modes. DeviceList defines the parallel worker count: one worker per ordinal.
type EngineConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Model      string `yaml:"model_name"`
	Precision  string `yaml:"precision"` // float16, int8, float32
	DeviceList []int  `yaml:"device_list"`
	Preload    bool   `yaml:"preload"`
}

type VADConfig struct {
	Mode         string  `yaml:"mode"` // mock, exec
	Command      string  `yaml:"command"`
	Threshold    float64 `yaml:"threshold"`
	MinSilenceMS int     `yaml:"min_silence_ms"`
}

type PartitionConfig struct {
	MinUnitSeconds float64 `yaml:"min_unit_s"`
	MaxUnitSeconds float64 `yaml:"max_unit_s"`
}

type AdmissionConfig struct {
	MaxSessions      int `yaml:"max_sessions"`
	AcquireTimeoutMS int `yaml:"acquire_timeout_ms"`
}

type SessionConfig struct {
	Root          string `yaml:"root"`
	OutputDir     string `yaml:"output_dir"`
	DownloadDir   string `yaml:"download_dir"`
	SweepAgeHours int    `yaml:"sweep_age_hours"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type PostProcessConfig struct {
	MergeGapSeconds  float64 `yaml:"merge_gap_s"`
	MaxCharsPerLine  int     `yaml:"max_chars_per_line"`
	ConverterMode    string  `yaml:"converter_mode"` // off, mock, exec
	ConverterCommand string  `yaml:"converter_command"`
}

type FetchConfig struct {
	Enabled bool   `yaml:"enabled"`
	Command string `yaml:"command"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Engine      EngineConfig      `yaml:"engine"`
	VAD         VADConfig         `yaml:"vad"`
	Partition   PartitionConfig   `yaml:"partition"`
	Admission   AdmissionConfig   `yaml:"admission"`
	Sessions    SessionConfig     `yaml:"sessions"`
	History     HistoryConfig     `yaml:"history"`
	PostProcess PostProcessConfig `yaml:"postprocess"`
	Fetch       FetchConfig       `yaml:"fetch"`
}

func Default() Config {
	return Config{
		RuntimeName: "whisper-for-subs",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 7860,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Engine: EngineConfig{
			Mode:       "mock",
			Model:      "large-v3-turbo",
			Precision:  "float16",
			DeviceList: []int{0},
		},
		VAD: VADConfig{
			Mode:         "mock",
			Threshold:    0.5,
			MinSilenceMS: 100,
		},
		Partition: PartitionConfig{
			MinUnitSeconds: 15,
			MaxUnitSeconds: 45,
		},
		Admission: AdmissionConfig{
			MaxSessions:      2,
			AcquireTimeoutMS: 120000,
		},
		Sessions: SessionConfig{
			Root:          "./data/sessions",
			OutputDir:     "./data/outputs",
			DownloadDir:   "./data/downloads",
			SweepAgeHours: 24,
		},
		History: HistoryConfig{
			Path:          "./data/history.db",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		PostProcess: PostProcessConfig{
			MergeGapSeconds: 1.0,
			MaxCharsPerLine: 80,
			ConverterMode:   "off",
		},
		Fetch: FetchConfig{
			Enabled: false,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SUBS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SUBS_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SUBS_LISTEN_HOST")
	overrideInt(&cfg.HTTP.Port, "SUBS_LISTEN_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SUBS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SUBS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SUBS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SUBS_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SUBS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SUBS_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SUBS_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SUBS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SUBS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SUBS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SUBS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SUBS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SUBS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Engine.Mode, "SUBS_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "SUBS_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Model, "SUBS_MODEL_NAME")
	overrideString(&cfg.Engine.Precision, "SUBS_PRECISION")
	overrideIntSlice(&cfg.Engine.DeviceList, "SUBS_DEVICE_LIST")
	overrideBool(&cfg.Engine.Preload, "SUBS_PRELOAD")
	overrideString(&cfg.VAD.Mode, "SUBS_VAD_MODE")
	overrideString(&cfg.VAD.Command, "SUBS_VAD_COMMAND")
	overrideFloat(&cfg.VAD.Threshold, "SUBS_VAD_THRESHOLD")
	overrideInt(&cfg.VAD.MinSilenceMS, "SUBS_VAD_MIN_SILENCE_MS")
	overrideFloat(&cfg.Partition.MinUnitSeconds, "SUBS_PARTITION_MIN_UNIT_S")
	overrideFloat(&cfg.Partition.MaxUnitSeconds, "SUBS_PARTITION_MAX_UNIT_S")
	overrideInt(&cfg.Admission.MaxSessions, "SUBS_MAX_SESSIONS")
	overrideInt(&cfg.Admission.AcquireTimeoutMS, "SUBS_ADMISSION_ACQUIRE_TIMEOUT_MS")
	overrideString(&cfg.Sessions.Root, "SUBS_SESSIONS_ROOT")
	overrideString(&cfg.Sessions.OutputDir, "SUBS_OUTPUT_DIR")
	overrideString(&cfg.Sessions.DownloadDir, "SUBS_DOWNLOAD_DIR")
	overrideInt(&cfg.Sessions.SweepAgeHours, "SUBS_SWEEP_AGE_HOURS")
	overrideString(&cfg.History.Path, "SUBS_HISTORY_PATH")
	overrideInt(&cfg.History.RetentionDays, "SUBS_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "SUBS_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "SUBS_HISTORY_VACUUM_ON_START")
	overrideFloat(&cfg.PostProcess.MergeGapSeconds, "SUBS_MERGE_GAP_S")
	overrideInt(&cfg.PostProcess.MaxCharsPerLine, "SUBS_MAX_CHARS_PER_LINE")
	overrideString(&cfg.PostProcess.ConverterMode, "SUBS_CONVERTER_MODE")
	overrideString(&cfg.PostProcess.ConverterCommand, "SUBS_CONVERTER_COMMAND")
	overrideBool(&cfg.Fetch.Enabled, "SUBS_FETCH_ENABLED")
	overrideString(&cfg.Fetch.Command, "SUBS_FETCH_COMMAND")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideIntSlice(target *[]int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var parsed []int
		for _, p := range strings.Split(value, ",") {
			s := strings.TrimSpace(p)
			if s == "" {
				continue
			}
			n, err := strconv.Atoi(s)
			if err != nil {
				return
			}
			parsed = append(parsed, n)
		}
		if len(parsed) > 0 {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.Model == "" {
		return errors.New("engine.model_name must not be empty")
	}
	switch cfg.Engine.Precision {
	case "float16", "int8", "float32":
	default:
		return errors.New("engine.precision must be one of float16|int8|float32")
	}
	if len(cfg.Engine.DeviceList) == 0 {
		return errors.New("engine.device_list must not be empty")
	}
	seen := map[int]bool{}
	for _, d := range cfg.Engine.DeviceList {
		if d < 0 {
			return errors.New("engine.device_list ordinals must be >= 0")
		}
		if seen[d] {
			return errors.New("engine.device_list ordinals must be unique")
		}
		seen[d] = true
	}
	switch cfg.VAD.Mode {
	case "mock", "exec":
	default:
		return errors.New("vad.mode must be one of mock|exec")
	}
	if cfg.VAD.Mode == "exec" && cfg.VAD.Command == "" {
		return errors.New("vad.command must be set when mode=exec")
	}
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		return errors.New("vad.threshold must be within [0, 1]")
	}
	if cfg.VAD.MinSilenceMS < 10 || cfg.VAD.MinSilenceMS > 2000 {
		return errors.New("vad.min_silence_ms must be within [10, 2000]")
	}
	if cfg.Partition.MinUnitSeconds <= 0 {
		return errors.New("partition.min_unit_s must be positive")
	}
	if cfg.Partition.MaxUnitSeconds <= cfg.Partition.MinUnitSeconds {
		return errors.New("partition.max_unit_s must be greater than min_unit_s")
	}
	if cfg.Admission.MaxSessions <= 0 {
		return errors.New("admission.max_sessions must be >= 1")
	}
	if cfg.Admission.AcquireTimeoutMS < 0 {
		return errors.New("admission.acquire_timeout_ms must be >= 0")
	}
	if cfg.Sessions.Root == "" {
		return errors.New("sessions.root must not be empty")
	}
	if cfg.Sessions.OutputDir == "" {
		return errors.New("sessions.output_dir must not be empty")
	}
	if cfg.Sessions.SweepAgeHours <= 0 {
		return errors.New("sessions.sweep_age_hours must be positive")
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.PostProcess.MaxCharsPerLine < 40 || cfg.PostProcess.MaxCharsPerLine > 120 {
		return errors.New("postprocess.max_chars_per_line must be within [40, 120]")
	}
	if cfg.PostProcess.MergeGapSeconds < 0 {
		return errors.New("postprocess.merge_gap_s must be >= 0")
	}
	switch cfg.PostProcess.ConverterMode {
	case "off", "mock", "exec":
	default:
		return errors.New("postprocess.converter_mode must be one of off|mock|exec")
	}
	if cfg.PostProcess.ConverterMode == "exec" && cfg.PostProcess.ConverterCommand == "" {
		return errors.New("postprocess.converter_command must be set when converter_mode=exec")
	}
	if cfg.Fetch.Enabled && cfg.Fetch.Command == "" {
		return errors.New("fetch.command must be set when fetch is enabled")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
