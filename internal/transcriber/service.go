package transcriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hungshinlee/whisper-for-subs/internal/admission"
	"github.com/hungshinlee/whisper-for-subs/internal/audio"
	"github.com/hungshinlee/whisper-for-subs/internal/bus"
	"github.com/hungshinlee/whisper-for-subs/internal/config"
	"github.com/hungshinlee/whisper-for-subs/internal/engine"
	"github.com/hungshinlee/whisper-for-subs/internal/fetch"
	"github.com/hungshinlee/whisper-for-subs/internal/history"
	"github.com/hungshinlee/whisper-for-subs/internal/partition"
	"github.com/hungshinlee/whisper-for-subs/internal/scheduler"
	"github.com/hungshinlee/whisper-for-subs/internal/session"
	"github.com/hungshinlee/whisper-for-subs/internal/subtitle"
	"github.com/hungshinlee/whisper-for-subs/internal/vad"
	"github.com/hungshinlee/whisper-for-subs/internal/worker"
	"github.com/hungshinlee/whisper-for-subs/internal/zhconvert"
)

// Request is the programmatic transcription surface. AudioSource is a local
// file path or a supported media URL.
type Request struct {
	AudioSource   string  `json:"audio_source"`
	ModelName     string  `json:"model_name,omitempty"`
	Precision     string  `json:"precision,omitempty"`
	Language      string  `json:"language,omitempty"`
	Task          string  `json:"task,omitempty"`
	UseVAD        bool    `json:"use_vad"`
	MinSilenceS   float64 `json:"min_silence_s,omitempty"`
	Merge         bool    `json:"merge"`
	MaxChars      int     `json:"max_chars,omitempty"`
	Parallel      bool    `json:"parallel"`
	ConvertScript bool    `json:"convert_script"`
	Prompt        string  `json:"prompt,omitempty"`
}

// Result reports one finished session.
type Result struct {
	Status        string  `json:"status"`
	SubtitlesText string  `json:"subtitles_text"`
	SubtitlesPath string  `json:"subtitles_path,omitempty"`
	Warnings      int     `json:"warnings"`
	Segments      int     `json:"segments"`
	DurationS     float64 `json:"duration_s"`
	ElapsedS      float64 `json:"elapsed_s"`
}

// Service wires the full request pipeline: session isolation, admission,
// audio normalisation, VAD, partitioning, scheduling and post-processing.
type Service struct {
	cfg      config.Config
	sessions *session.Manager
	pool     *admission.Pool
	detector vad.Detector
	conv     zhconvert.Converter
	fetcher  fetch.Downloader
	hist     *history.Store
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// singleResident caches a started single-mode engine in an admission slot.
type singleResident struct {
	eng engine.Engine
}

func (r *singleResident) Close() error { return r.eng.Close() }

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, hist *history.Store, log *slog.Logger) (*Service, error) {
	ctx, cancel := context.WithCancel(parent)

	var factory engine.Factory
	var err error
	switch cfg.Engine.Mode {
	case "exec":
		factory, err = engine.NewExecFactory(cfg.Engine.Command)
		if err != nil {
			cancel()
			return nil, err
		}
	default:
		factory = engine.NewMockFactory(nil)
	}

	var detector vad.Detector
	vadOpts := vad.Options{Threshold: cfg.VAD.Threshold, MinSilenceMS: cfg.VAD.MinSilenceMS}
	switch cfg.VAD.Mode {
	case "exec":
		detector, err = vad.NewExecDetector(cfg.VAD.Command, vadOpts)
		if err != nil {
			cancel()
			return nil, err
		}
	default:
		detector = vad.NewMockDetector(vadOpts)
	}

	var conv zhconvert.Converter
	switch cfg.PostProcess.ConverterMode {
	case "exec":
		conv, err = zhconvert.NewExecConverter(cfg.PostProcess.ConverterCommand)
		if err != nil {
			cancel()
			return nil, err
		}
	case "mock":
		conv = zhconvert.NewMockConverter()
	}

	var fetcher fetch.Downloader
	if cfg.Fetch.Enabled {
		fetcher, err = fetch.NewExecDownloader(cfg.Fetch.Command)
		if err != nil {
			cancel()
			return nil, err
		}
	}

	sessions := session.NewManager(
		cfg.Sessions.Root,
		cfg.Sessions.OutputDir,
		cfg.Sessions.DownloadDir,
		time.Duration(cfg.Sessions.SweepAgeHours)*time.Hour,
		log)

	s := &Service{
		cfg:      cfg,
		sessions: sessions,
		detector: detector,
		conv:     conv,
		fetcher:  fetcher,
		hist:     hist,
		log:      log.With(slog.String("component", "transcriber")),
		ctx:      ctx,
		cancel:   cancel,
	}

	builder := func(buildCtx context.Context, kind admission.Kind, key engine.Key) (admission.Resident, error) {
		switch kind {
		case admission.KindParallel:
			// The pool inherits the service context: cached residents
			// outlive the session that built them.
			pool := worker.NewPool(s.ctx, key, cfg.Engine.DeviceList, factory, busClient, log)
			if err := pool.Start(buildCtx); err != nil {
				return nil, err
			}
			return pool, nil
		default:
			eng, err := factory(key, cfg.Engine.DeviceList[0])
			if err != nil {
				return nil, err
			}
			if err := eng.Start(buildCtx); err != nil {
				return nil, err
			}
			return &singleResident{eng: eng}, nil
		}
	}
	s.pool = admission.NewPool(cfg.Admission.MaxSessions, builder, log)

	return s, nil
}

// Preload warms the default engine so the first session skips the cold load.
func (s *Service) Preload(ctx context.Context) error {
	if !s.cfg.Engine.Preload {
		return nil
	}
	kind := admission.KindSingle
	if len(s.cfg.Engine.DeviceList) > 1 {
		kind = admission.KindParallel
	}
	handle, err := s.pool.Acquire(ctx, kind, s.defaultKey())
	if err != nil {
		return err
	}
	handle.Release()
	return nil
}

func (s *Service) defaultKey() engine.Key {
	return engine.Key{Model: s.cfg.Engine.Model, Precision: s.cfg.Engine.Precision}
}

// Close shuts down cached engines and worker pools.
func (s *Service) Close() {
	s.pool.Close()
	s.cancel()
}

// Transcribe runs one session end to end. The workdir is deleted and the
// admission slot released on every exit path.
func (s *Service) Transcribe(ctx context.Context, req Request) (Result, error) {
	started := time.Now()

	if err := s.validate(&req); err != nil {
		return Result{Status: "failed"}, err
	}

	sess, err := s.sessions.Open()
	if err != nil {
		return Result{Status: "failed"}, err
	}
	defer sess.Close()

	key := engine.Key{Model: req.ModelName, Precision: req.Precision}
	kind := admission.KindSingle
	if req.Parallel && len(s.cfg.Engine.DeviceList) > 1 {
		kind = admission.KindParallel
	}

	if s.hist != nil {
		if err := s.hist.RecordStart(ctx, history.Record{
			SessionID: sess.ID,
			Source:    req.AudioSource,
			Model:     key.Model,
			Precision: key.Precision,
			Mode:      string(kind),
			Language:  req.Language,
			Task:      req.Task,
		}); err != nil {
			s.log.Warn("history record failed", slog.String("error", err.Error()))
		}
	}

	res, err := s.run(ctx, sess, req, kind, key)
	res.ElapsedS = time.Since(started).Seconds()

	if s.hist != nil {
		status := res.Status
		if status == "" {
			status = "failed"
		}
		if herr := s.hist.RecordFinish(context.WithoutCancel(ctx), sess.ID, status,
			res.Warnings, res.DurationS, res.ElapsedS, res.SubtitlesPath); herr != nil {
			s.log.Warn("history record failed", slog.String("error", herr.Error()))
		}
	}
	return res, err
}

func (s *Service) run(ctx context.Context, sess *session.Session, req Request, kind admission.Kind, key engine.Key) (Result, error) {
	log := s.log.With(slog.String("session_id", sess.ID))

	inputPath, title, err := s.resolveInput(ctx, sess, req.AudioSource)
	if err != nil {
		return Result{Status: "failed"}, err
	}

	acquireCtx := ctx
	if s.cfg.Admission.AcquireTimeoutMS > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.Admission.AcquireTimeoutMS)*time.Millisecond)
		defer cancel()
	}
	handle, err := s.pool.Acquire(acquireCtx, kind, key)
	if err != nil {
		return Result{Status: "failed"}, err
	}
	defer handle.Release()

	buf, err := audio.Load(ctx, inputPath, sess.Workdir)
	if err != nil {
		return Result{Status: "failed"}, err
	}
	duration := buf.Duration()
	log.Info("audio loaded",
		slog.Float64("duration_s", duration),
		slog.Int("samples", len(buf.Samples)))

	regions, err := s.detect(ctx, req, buf)
	if err != nil {
		return Result{Status: "failed"}, err
	}
	log.Info("speech regions detected", slog.Int("regions", len(regions)))

	bounds := partition.Bounds{
		MinUnitSeconds: s.cfg.Partition.MinUnitSeconds,
		MaxUnitSeconds: s.cfg.Partition.MaxUnitSeconds,
	}
	units := partition.Plan(regions, buf, bounds)
	log.Info("work units planned", slog.Int("units", len(units)))

	opts := scheduler.Options{
		SessionID: sess.ID,
		Workdir:   sess.Workdir,
		Language:  language(req.Language),
		Task:      req.Task,
		Prompt:    req.Prompt,
	}

	var outcome scheduler.Outcome
	if len(units) > 0 {
		switch resident := handle.Resident.(type) {
		case *worker.Pool:
			outcome, err = scheduler.RunParallel(ctx, units, resident, opts, log)
		case *singleResident:
			outcome, err = scheduler.RunSingle(ctx, units, resident.eng, opts, log)
		default:
			err = fmt.Errorf("unknown resident type %T", handle.Resident)
		}
		if err != nil {
			return Result{Status: "failed"}, err
		}
	}

	segments := outcome.Segments
	warnings := outcome.Warnings

	if req.Merge && len(segments) > 0 {
		segments = subtitle.Merge(segments, subtitle.MergeOptions{
			MaxChars:      req.MaxChars,
			MaxGapSeconds: s.cfg.PostProcess.MergeGapSeconds,
		})
	}
	if req.ConvertScript && s.conv != nil && strings.HasPrefix(req.Language, "zh") {
		warnings += zhconvert.ConvertSegments(ctx, s.conv, segments, log)
	}

	srt := subtitle.RenderSRT(segments)
	result := Result{
		Status:        "ok",
		SubtitlesText: srt,
		Warnings:      warnings,
		Segments:      len(segments),
		DurationS:     duration,
	}

	if len(segments) > 0 {
		outPath, err := s.writeOutput(title, srt)
		if err != nil {
			return Result{Status: "failed"}, err
		}
		result.SubtitlesPath = outPath
	}

	log.Info("session complete",
		slog.Int("segments", len(segments)),
		slog.Int("warnings", warnings))
	return result, nil
}

// resolveInput stages a local file into the workdir or fetches a media URL
// into the download cache. Returns the usable path and a title for output
// naming.
func (s *Service) resolveInput(ctx context.Context, sess *session.Session, source string) (string, string, error) {
	if fetch.IsMediaURL(source) {
		if s.fetcher == nil {
			return "", "", &fetch.FetchError{URL: source, Err: errors.New("media fetching is disabled")}
		}
		path, title, err := s.fetcher.Fetch(ctx, source, s.sessions.DownloadDir())
		if err != nil {
			return "", "", err
		}
		if title == "" {
			title = "media"
		}
		return path, title, nil
	}

	staged, err := sess.Stage(source)
	if err != nil {
		return "", "", err
	}
	base := filepath.Base(source)
	return staged, strings.TrimSuffix(base, filepath.Ext(base)), nil
}

func (s *Service) detect(ctx context.Context, req Request, buf *audio.Buffer) ([]vad.Region, error) {
	if !req.UseVAD {
		// Without VAD the whole input is one region; the engine's own
		// internal filtering takes over inside the unit.
		return []vad.Region{{Start: 0, End: buf.Duration()}}, nil
	}
	detector := s.detector
	if req.MinSilenceS > 0 {
		// Per-request silence floor overrides the configured detector.
		opts := vad.Options{
			Threshold:    s.cfg.VAD.Threshold,
			MinSilenceMS: int(req.MinSilenceS * 1000),
		}
		if s.cfg.VAD.Mode == "exec" {
			d, err := vad.NewExecDetector(s.cfg.VAD.Command, opts)
			if err != nil {
				return nil, err
			}
			detector = d
		} else {
			detector = vad.NewMockDetector(opts)
		}
	}
	return detector.Detect(ctx, buf.Samples)
}

func (s *Service) writeOutput(title, srt string) (string, error) {
	dir := s.sessions.OutputDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.srt", sanitizeTitle(title), time.Now().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(srt), 0o644); err != nil {
		return "", fmt.Errorf("write srt: %w", err)
	}
	return path, nil
}

// sanitizeTitle keeps alphanumerics, spaces, dashes and underscores, capped
// at 50 runes, so media titles make safe filenames.
func sanitizeTitle(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == ' ', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		out = "output"
	}
	runes := []rune(out)
	if len(runes) > 50 {
		out = string(runes[:50])
	}
	return out
}

func language(lang string) string {
	if lang == "auto" {
		return ""
	}
	return lang
}

func (s *Service) validate(req *Request) error {
	if strings.TrimSpace(req.AudioSource) == "" {
		return errors.New("audio_source must not be empty")
	}
	if req.ModelName == "" {
		req.ModelName = s.cfg.Engine.Model
	}
	if req.Precision == "" {
		req.Precision = s.cfg.Engine.Precision
	}
	switch req.Precision {
	case "float16", "int8", "float32":
	default:
		return fmt.Errorf("unsupported precision %q", req.Precision)
	}
	if req.Task == "" {
		req.Task = "transcribe"
	}
	switch req.Task {
	case "transcribe", "translate":
	default:
		return fmt.Errorf("unsupported task %q", req.Task)
	}
	if req.Language == "" {
		req.Language = "auto"
	}
	if req.MaxChars == 0 {
		req.MaxChars = s.cfg.PostProcess.MaxCharsPerLine
	}
	if req.MaxChars < 40 || req.MaxChars > 120 {
		return fmt.Errorf("max_chars %d outside [40, 120]", req.MaxChars)
	}
	if req.MinSilenceS != 0 && (req.MinSilenceS < 0.01 || req.MinSilenceS > 2.0) {
		return fmt.Errorf("min_silence_s %g outside [0.01, 2.0]", req.MinSilenceS)
	}
	return nil
}
