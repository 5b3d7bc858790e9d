// Package turn runs one exchange of a call: record the caller until they stop
// talking, transcribe the recording, ask the dialogue model for a reply,
// synthesize it and play it back.
//
// Every stage failure is contained in the turn. Only three things end a call
// from here: the caller saying nothing (no speech, empty recording), the model
// asking to hang up, and failures that make further turns pointless (the
// capture device is gone, or too many turns in a row failed before producing
// a transcript).
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiphone/aiphone/internal/calltrack"
	"github.com/aiphone/aiphone/internal/dialogue"
	"github.com/aiphone/aiphone/internal/observe"
	"github.com/aiphone/aiphone/internal/recording"
	"github.com/aiphone/aiphone/internal/ttscache"
	"github.com/aiphone/aiphone/pkg/audio"
	"github.com/aiphone/aiphone/pkg/provider/stt"
	"github.com/aiphone/aiphone/pkg/provider/tts"
)

// DefaultMaxConsecutiveFailures is the number of failed turns in a row after
// which [Controller.RunTurn] gives up with [ErrTooManyFailures].
const DefaultMaxConsecutiveFailures = 3

// ErrTooManyFailures is returned once recording or transcription failed
// MaxConsecutiveFailures turns in a row.
var ErrTooManyFailures = errors.New("turn: too many consecutive failures")

// Responder produces the assistant's reply to a caller transcript.
type Responder interface {
	Send(ctx context.Context, userText string, history []dialogue.Entry, systemPrompt string) (dialogue.Reply, error)
}

// Synthesizer renders text to a playable WAV file and returns its path.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (string, error)
}

// StatusReporter receives call progress. Implementations must not block the
// turn for long and never fail it.
type StatusReporter interface {
	Update(ctx context.Context, id string, status calltrack.Status)
}

var (
	_ Responder      = (*dialogue.Service)(nil)
	_ Synthesizer    = (*ttscache.Cache)(nil)
	_ StatusReporter = (*calltrack.Reporter)(nil)
)

// Cues are short sounds played when the microphone opens and closes. Empty
// paths are skipped.
type Cues struct {
	Start string
	Stop  string
}

// Deps are the collaborators of a [Controller]. They are shared by every call
// and owned by the application.
type Deps struct {
	Source      audio.FrameSource
	Transcriber stt.Provider

	// Dialogue may be nil, in which case the transcript is spoken back.
	Dialogue Responder

	Synthesizer Synthesizer
	Player      audio.Player

	// Reporter may be nil to skip status updates.
	Reporter StatusReporter

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Config holds the per-call settings of a [Controller].
type Config struct {
	// Recording configures every turn's recording. Path is ignored; each
	// turn records into its own file under RecordingDir.
	Recording recording.Config

	// RecordingDir holds the turn recordings. Default: [os.TempDir].
	RecordingDir string

	// KeepRecordings leaves the recordings on disk after transcription.
	KeepRecordings bool

	// Language is passed to the transcriber.
	Language string

	// Voice is the synthesis voice ID.
	Voice string

	// SystemPrompt is sent with every dialogue request.
	SystemPrompt string

	// ResetContext clears the conversation before every dialogue request, so
	// the model only sees the greeting and the current transcript.
	ResetContext bool

	// Greeting is re-added to the history after a context reset.
	Greeting string

	Cues Cues

	// MaxConsecutiveFailures defaults to [DefaultMaxConsecutiveFailures].
	MaxConsecutiveFailures int
}

// Turn is the record of one exchange.
type Turn struct {
	Index     int
	Recording recording.Result

	// Transcript is empty when the turn ended before transcription succeeded.
	Transcript string

	// Reply is what was (or would have been) spoken. Answered reports whether
	// it came from the dialogue model rather than the transcript fallback.
	Reply    dialogue.Reply
	Answered bool

	// AudioPath is the synthesized reply.
	AudioPath string

	// State is the state the turn ended in.
	State State

	// Err is the stage error of a turn that ended in ErrorFallback.
	Err error
}

// Outcome tells the call loop what to do after a turn.
type Outcome struct {
	// ShouldContinueLoop is false exactly when the caller said nothing or the
	// model asked to end the call.
	ShouldContinueLoop bool

	// EndCallRequested is set when the model asked to end the call.
	EndCallRequested bool

	// TriagePayload is set when the model asked to end the call and submit
	// the triage summary.
	TriagePayload map[string]any

	// Turn is the finished turn.
	Turn Turn
}

// Controller runs the turns of one call. It is not safe for concurrent use;
// a call runs its turns one after another.
type Controller struct {
	deps    Deps
	cfg     Config
	callID  string
	history *dialogue.History
	recOpts []recording.Option
	logger  *slog.Logger

	turns    int
	failures int
}

// Option is a functional option for [New].
type Option func(*Controller)

// WithCall binds the controller to a tracked call and its conversation.
func WithCall(id string, h *dialogue.History) Option {
	return func(c *Controller) {
		c.callID = id
		if h != nil {
			c.history = h
		}
	}
}

// WithRecordingOptions is passed to every [recording.New].
func WithRecordingOptions(opts ...recording.Option) Option {
	return func(c *Controller) { c.recOpts = append(c.recOpts, opts...) }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New returns a controller for one call.
func New(deps Deps, cfg Config, opts ...Option) *Controller {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if cfg.RecordingDir == "" {
		cfg.RecordingDir = os.TempDir()
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	c := &Controller{
		deps:    deps,
		cfg:     cfg,
		history: &dialogue.History{},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// History returns the conversation of the call.
func (c *Controller) History() *dialogue.History { return c.history }

// Failures returns the current number of consecutive failed turns.
func (c *Controller) Failures() int { return c.failures }

// RunTurn runs one exchange. Stage failures are handled inside the turn; the
// returned error is non-nil only when the call cannot go on: ctx was
// cancelled, the capture device is unavailable ([audio.ErrDeviceUnavailable]),
// or [ErrTooManyFailures].
func (c *Controller) RunTurn(ctx context.Context) (out Outcome, err error) {
	c.turns++
	t := &Turn{Index: c.turns, State: AwaitingSpeech}

	ctx, span := observe.StartSpan(ctx, "turn", trace.WithAttributes(
		attribute.Int("turn.index", t.Index),
		attribute.String("call.id", c.callID),
	))
	log := observe.Logger(ctx, c.logger).With("call_id", c.callID, "turn", t.Index)
	defer func() {
		out.Turn = *t
		span.SetAttributes(attribute.String("turn.state", t.State.String()))
		observe.EndSpan(span, err)
		c.deps.Metrics.RecordTurn(ctx, outcomeLabel(out, err))
	}()

	// ---- record ----

	c.report(ctx, calltrack.StatusListening)
	t.State = Recording
	c.cue(ctx, log, c.cfg.Cues.Start)
	rec, recErr := c.record(ctx, filepath.Join(c.cfg.RecordingDir, fmt.Sprintf("turn-%03d.wav", t.Index)))
	t.Recording = rec
	if ctx.Err() != nil {
		t.Err = ctx.Err()
		return Outcome{}, ctx.Err()
	}
	c.cue(ctx, log, c.cfg.Cues.Stop)

	switch {
	case recErr == nil:
	case errors.Is(recErr, recording.ErrNoSpeechDetected), errors.Is(recErr, recording.ErrEmptyOrMissingFile):
		t.State = TurnComplete
		log.Info("no speech from caller, ending call", "stop_reason", rec.StopReason, "reason", recErr)
		return Outcome{}, nil
	case errors.Is(recErr, audio.ErrDeviceUnavailable):
		t.State, t.Err = ErrorFallback, recErr
		log.Error("capture device unavailable", "stage", observe.StageRecord, "err", recErr)
		c.report(ctx, calltrack.StatusError)
		return Outcome{}, recErr
	default:
		return c.fallback(ctx, log, t, observe.StageRecord, recErr)
	}
	if !c.cfg.KeepRecordings {
		defer os.Remove(rec.Path)
	}

	// ---- transcribe ----

	t.State = Transcribing
	c.report(ctx, calltrack.StatusProcessing)
	text, err := c.transcribe(ctx, rec.Path)
	if ctx.Err() != nil {
		t.Err = ctx.Err()
		return Outcome{}, ctx.Err()
	}
	if err != nil {
		return c.fallback(ctx, log, t, observe.StageTranscribe, err)
	}
	c.failures = 0
	t.Transcript = text
	if text == "" {
		t.State = TurnComplete
		log.Info("transcript empty, listening again")
		return Outcome{ShouldContinueLoop: true}, nil
	}
	log.Info("caller said", "text", text)

	// ---- dialogue ----

	t.State = Dialogue
	if c.cfg.ResetContext {
		c.history.Clear()
		if c.cfg.Greeting != "" {
			c.history.AddGreeting(c.cfg.Greeting)
		}
	}
	prior := c.history.Entries()
	c.history.AddUser(text)
	t.Reply, t.Answered = c.converse(ctx, log, text, prior)
	if ctx.Err() != nil {
		t.Err = ctx.Err()
		return Outcome{}, ctx.Err()
	}
	if t.Answered {
		c.history.AddAssistant(t.Reply)
	}

	out = Outcome{
		ShouldContinueLoop: !t.Reply.EndCall,
		EndCallRequested:   t.Reply.EndCall,
	}
	if t.Reply.EndCall && t.Reply.SendTriage {
		out.TriagePayload = t.Reply.TriagePayload(c.history.Simplified())
	}

	// ---- respond ----

	c.report(ctx, calltrack.StatusResponding)
	if err := c.speak(ctx, t, t.Reply.Response); err != nil {
		if ctx.Err() != nil {
			t.Err = ctx.Err()
			return Outcome{}, ctx.Err()
		}
		t.State, t.Err = ErrorFallback, err
		log.Warn("reply not played", "stage", stageOf(err), "err", err)
		return out, nil
	}
	t.State = TurnComplete
	if out.EndCallRequested {
		log.Info("assistant ended the call", "send_triage", t.Reply.SendTriage)
	}
	return out, nil
}

// Speak synthesizes text and plays it without recording first. It is used for
// scripted lines such as the greeting. Errors wrap [tts.ErrSynthesis] or
// [audio.ErrPlayback].
func (c *Controller) Speak(ctx context.Context, text string) error {
	ctx, span := observe.StartSpan(ctx, "turn.speak", trace.WithAttributes(attribute.String("call.id", c.callID)))
	err := c.speak(ctx, &Turn{}, text)
	observe.EndSpan(span, err)
	return err
}

// fallback ends t in ErrorFallback after a recording or transcription
// failure. The call continues unless the failure limit is reached.
func (c *Controller) fallback(ctx context.Context, log *slog.Logger, t *Turn, stage string, err error) (Outcome, error) {
	t.State, t.Err = ErrorFallback, err
	c.failures++
	log.Error("turn failed", "stage", stage, "err", err, "consecutive_failures", c.failures)
	c.report(ctx, calltrack.StatusError)
	if c.failures >= c.cfg.MaxConsecutiveFailures {
		return Outcome{}, fmt.Errorf("%w (%d): %w", ErrTooManyFailures, c.failures, err)
	}
	return Outcome{ShouldContinueLoop: true}, nil
}

func (c *Controller) record(ctx context.Context, path string) (recording.Result, error) {
	ctx, span := observe.StartSpan(ctx, "turn.record")
	cfg := c.cfg.Recording
	cfg.Path = path
	opts := append([]recording.Option{recording.WithLogger(c.logger)}, c.recOpts...)

	start := time.Now()
	res, err := recording.New(c.deps.Source, cfg, opts...).Run(ctx)
	span.SetAttributes(attribute.String("recording.stop_reason", res.StopReason.String()))

	if res.StopReason != recording.StopNone {
		c.deps.Metrics.RecordRecording(ctx, res.StopReason.String(), res.Duration)
	}
	var stageErr error
	if err != nil && !errors.Is(err, recording.ErrNoSpeechDetected) && !errors.Is(err, recording.ErrEmptyOrMissingFile) {
		stageErr = err
	}
	c.deps.Metrics.RecordStage(ctx, observe.StageRecord, time.Since(start), "device", stageErr)
	observe.EndSpan(span, stageErr)
	return res, err
}

func (c *Controller) transcribe(ctx context.Context, path string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "turn.transcribe")
	start := time.Now()

	text, err := func() (string, error) {
		pcm, info, err := audio.ReadWAVFile(path)
		if err != nil {
			return "", fmt.Errorf("%w: read recording: %w", stt.ErrTranscription, err)
		}
		text, err := c.deps.Transcriber.Transcribe(ctx, audio.PCMToFloat32(pcm), info.SampleRate, c.cfg.Language)
		if err != nil {
			if !errors.Is(err, stt.ErrTranscription) {
				err = fmt.Errorf("%w: %w", stt.ErrTranscription, err)
			}
			return "", err
		}
		return strings.TrimSpace(text), nil
	}()

	c.deps.Metrics.RecordStage(ctx, observe.StageTranscribe, time.Since(start), "transcription", err)
	observe.EndSpan(span, err)
	return text, err
}

// converse asks the dialogue model for a reply to text. When the model is
// disabled or fails, the transcript itself becomes the response and ok is
// false.
func (c *Controller) converse(ctx context.Context, log *slog.Logger, text string, prior []dialogue.Entry) (reply dialogue.Reply, ok bool) {
	echo := dialogue.Reply{Response: text, Raw: text}
	if c.deps.Dialogue == nil {
		log.Debug("dialogue disabled, speaking transcript back")
		return echo, false
	}

	ctx, span := observe.StartSpan(ctx, "turn.dialogue")
	start := time.Now()
	reply, err := c.deps.Dialogue.Send(ctx, text, prior, c.cfg.SystemPrompt)
	c.deps.Metrics.RecordStage(ctx, observe.StageDialogue, time.Since(start), "dialogue", err)
	observe.EndSpan(span, err)

	if err != nil {
		if ctx.Err() == nil {
			log.Warn("dialogue failed, speaking transcript instead", "stage", observe.StageDialogue, "err", err)
			c.report(ctx, calltrack.StatusError)
		}
		return echo, false
	}
	return reply, true
}

// speak moves t through Synthesizing and Playing.
func (c *Controller) speak(ctx context.Context, t *Turn, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: nothing to say", tts.ErrSynthesis)
	}

	t.State = Synthesizing
	sctx, span := observe.StartSpan(ctx, "turn.synthesize")
	start := time.Now()
	path, err := c.deps.Synthesizer.Synthesize(sctx, text, c.cfg.Voice)
	if err != nil && !errors.Is(err, tts.ErrSynthesis) {
		err = fmt.Errorf("%w: %w", tts.ErrSynthesis, err)
	}
	c.deps.Metrics.RecordStage(sctx, observe.StageSynthesize, time.Since(start), "synthesis", err)
	observe.EndSpan(span, err)
	if err != nil {
		return err
	}
	t.AudioPath = path

	t.State = Playing
	pctx, span := observe.StartSpan(ctx, "turn.play")
	start = time.Now()
	err = c.deps.Player.Play(pctx, path)
	if err != nil && !errors.Is(err, audio.ErrPlayback) && ctx.Err() == nil {
		err = fmt.Errorf("%w: %w", audio.ErrPlayback, err)
	}
	c.deps.Metrics.RecordStage(pctx, observe.StagePlay, time.Since(start), "playback", err)
	observe.EndSpan(span, err)
	return err
}

func (c *Controller) cue(ctx context.Context, log *slog.Logger, path string) {
	if path == "" {
		return
	}
	if err := c.deps.Player.Play(ctx, path); err != nil && ctx.Err() == nil {
		log.Warn("cue not played", "path", path, "err", err)
	}
}

func (c *Controller) report(ctx context.Context, status calltrack.Status) {
	if c.deps.Reporter != nil {
		c.deps.Reporter.Update(ctx, c.callID, status)
	}
}

func stageOf(err error) string {
	if errors.Is(err, tts.ErrSynthesis) {
		return observe.StageSynthesize
	}
	return observe.StagePlay
}

func outcomeLabel(out Outcome, err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case err != nil:
		return "fatal"
	case out.Turn.State == ErrorFallback:
		return "fallback"
	case out.EndCallRequested:
		return "end_call"
	case !out.ShouldContinueLoop:
		return "no_speech"
	default:
		return "continue"
	}
}
