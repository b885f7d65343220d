package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.Model != "large-v3-turbo" {
		t.Fatalf("expected default model, got %q", cfg.Engine.Model)
	}
	if cfg.Admission.MaxSessions != 2 {
		t.Fatalf("expected default max sessions 2, got %d", cfg.Admission.MaxSessions)
	}
	if cfg.Partition.MinUnitSeconds != 15 || cfg.Partition.MaxUnitSeconds != 45 {
		t.Fatalf("unexpected default partition bounds: %+v", cfg.Partition)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SUBS_MODEL_NAME", "large-v3")
	t.Setenv("SUBS_PRECISION", "int8")
	t.Setenv("SUBS_DEVICE_LIST", "0, 1, 2, 3")
	t.Setenv("SUBS_MAX_SESSIONS", "4")
	t.Setenv("SUBS_PRELOAD", "true")
	t.Setenv("SUBS_LISTEN_HOST", "127.0.0.1")
	t.Setenv("SUBS_LISTEN_PORT", "8080")
	t.Setenv("SUBS_VAD_THRESHOLD", "0.7")
	t.Setenv("SUBS_VAD_MIN_SILENCE_MS", "250")
	t.Setenv("SUBS_SESSIONS_ROOT", "./tmp/sessions")
	t.Setenv("SUBS_SWEEP_AGE_HOURS", "12")
	t.Setenv("SUBS_MAX_CHARS_PER_LINE", "100")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Engine.Model != "large-v3" || cfg.Engine.Precision != "int8" {
		t.Fatalf("expected engine overrides, got %+v", cfg.Engine)
	}
	if len(cfg.Engine.DeviceList) != 4 {
		t.Fatalf("expected 4 devices, got %v", cfg.Engine.DeviceList)
	}
	if !cfg.Engine.Preload {
		t.Fatal("expected preload override")
	}
	if cfg.Admission.MaxSessions != 4 {
		t.Fatalf("expected max sessions override, got %d", cfg.Admission.MaxSessions)
	}
	if cfg.HTTP.Bind != "127.0.0.1" || cfg.HTTP.Port != 8080 {
		t.Fatalf("expected listen overrides, got %+v", cfg.HTTP)
	}
	if cfg.VAD.Threshold != 0.7 || cfg.VAD.MinSilenceMS != 250 {
		t.Fatalf("expected vad overrides, got %+v", cfg.VAD)
	}
	if cfg.Sessions.Root != "./tmp/sessions" || cfg.Sessions.SweepAgeHours != 12 {
		t.Fatalf("expected session overrides, got %+v", cfg.Sessions)
	}
	if cfg.PostProcess.MaxCharsPerLine != 100 {
		t.Fatalf("expected max chars override, got %d", cfg.PostProcess.MaxCharsPerLine)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Engine.Precision = "float8" },
		func(c *Config) { c.Engine.DeviceList = nil },
		func(c *Config) { c.Engine.DeviceList = []int{0, 0} },
		func(c *Config) { c.VAD.Threshold = 1.5 },
		func(c *Config) { c.VAD.MinSilenceMS = 5 },
		func(c *Config) { c.Partition.MaxUnitSeconds = 10 },
		func(c *Config) { c.Admission.MaxSessions = 0 },
		func(c *Config) { c.PostProcess.MaxCharsPerLine = 200 },
		func(c *Config) { c.Fetch.Enabled = true; c.Fetch.Command = "" },
	}
	for i, mutate := range cases {
		cfg := Default()
		cfg.Engine.Mode = "mock"
		cfg.VAD.Mode = "mock"
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
