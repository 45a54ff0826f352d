package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/murmur/internal/activity"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/recognition"
	"github.com/MrWong99/murmur/internal/speech"
	"github.com/MrWong99/murmur/internal/turn"
	"github.com/MrWong99/murmur/pkg/audio"
	audiomock "github.com/MrWong99/murmur/pkg/audio/mock"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	sttmock "github.com/MrWong99/murmur/pkg/provider/stt/mock"
	"github.com/MrWong99/murmur/pkg/provider/tts"
	ttsmock "github.com/MrWong99/murmur/pkg/provider/tts/mock"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counter sums the data points of an int64 counter whose attributes match
// attrs.
func counter(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs map[string]string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, m.Data)
			}
		points:
			for _, dp := range sum.DataPoints {
				for k, want := range attrs {
					v, ok := dp.Attributes.Value(attribute.Key(k))
					if !ok || v.AsString() != want {
						continue points
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// recorder collects callback invocations.
type recorder struct {
	mu       sync.Mutex
	results  []turn.SpeechResult
	turnIDs  []string
	errs     []error
	activity []bool
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnTranscript: func(res turn.SpeechResult) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.results = append(r.results, res)
		},
		OnTurnEnd: func(id string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.turnIDs = append(r.turnIDs, id)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnActivity: func(active bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.activity = append(r.activity, active)
		},
	}
}

func (r *recorder) turns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.turnIDs...)
}

func (r *recorder) failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) transcripts() []turn.SpeechResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]turn.SpeechResult(nil), r.results...)
}

func (r *recorder) sawActivity(active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.activity {
		if a == active {
			return true
		}
	}
	return false
}

func newLocal(t *testing.T, p stt.Provider, opts ...recognition.LocalOption) *recognition.LocalAdapter {
	t.Helper()
	a, err := recognition.NewLocal(p, opts...)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return a
}

func newCloud(t *testing.T, p stt.Provider, opts ...recognition.CloudOption) *recognition.CloudAdapter {
	t.Helper()
	a, err := recognition.NewCloud(p, opts...)
	if err != nil {
		t.Fatalf("NewCloud: %v", err)
	}
	return a
}

func newService(t *testing.T, caps Capabilities, opts ...Option) (*Service, *sdkmetric.ManualReader) {
	t.Helper()
	m, reader := newTestMetrics(t)
	svc, err := New(caps, append([]Option{WithMetrics(m)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(svc.StopListening)
	return svc, reader
}

func stopped(s audio.Stream) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

// fastTurns keeps silence windows short.
var fastTurns = VoiceConfig{EndpointingMs: 20, UtteranceEndMs: 40}

// ─── state machine ────────────────────────────────────────────────────────────

func TestTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from    ConnectionState
		ev      event
		want    ConnectionState
		wantErr bool
	}{
		{StateIdle, eventConnectPrimary, StateConnectingPrimary, false},
		{StateStopped, eventConnectPrimary, StateConnectingPrimary, false},
		{StateConnectingPrimary, eventConnected, StateConnectedPrimary, false},
		{StateConnectingPrimary, eventConnectSecondary, StateConnectingSecondary, false},
		{StateConnectedPrimary, eventConnectSecondary, StateConnectingSecondary, false},
		{StateConnectingSecondary, eventConnected, StateConnectedSecondary, false},
		{StateConnectingSecondary, eventFallback, StateConnectedFallback, false},
		{StateConnectedSecondary, eventFallback, StateConnectedFallback, false},
		{StateIdle, eventFallback, StateConnectedFallback, false},
		{StateConnectedFallback, eventStop, StateStopped, false},
		{StateIdle, eventStop, StateStopped, false},
		{StateConnectedPrimary, eventConnectPrimary, StateConnectedPrimary, true},
		{StateIdle, eventConnected, StateIdle, true},
		{StateConnectedFallback, eventFallback, StateConnectedFallback, true},
		{StateConnectedFallback, eventConnectSecondary, StateConnectedFallback, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.from, tt.ev), func(t *testing.T) {
			t.Parallel()
			got, err := transition(tt.from, tt.ev)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestConnectionState_String(t *testing.T) {
	t.Parallel()
	if got := StateConnectedFallback.String(); got != "connected_fallback" {
		t.Errorf("String() = %q", got)
	}
	if got := ConnectionState(42).String(); got != "ConnectionState(42)" {
		t.Errorf("String() = %q", got)
	}
}

// ─── config ───────────────────────────────────────────────────────────────────

func TestMergeDefaults(t *testing.T) {
	t.Parallel()

	defaults := DefaultVoiceConfig()
	defaults.Keywords = []stt.KeywordBoost{{Keyword: "murmur", Boost: 2}}

	got := VoiceConfig{Language: "de-DE", EndpointingMs: 500, InterimResults: new(false)}.MergeDefaults(defaults)
	if got.Language != "de-DE" || got.EndpointingMs != 500 {
		t.Errorf("explicit fields overwritten: %+v", got)
	}
	if got.Model != "nova-3" || got.UtteranceEndMs != 1000 || got.SampleRate != 16000 || got.Channels != 1 {
		t.Errorf("defaults not applied: %+v", got)
	}
	if *got.InterimResults {
		t.Error("explicit false InterimResults replaced by default")
	}
	if !*got.SmartFormat || *got.VADEvents {
		t.Errorf("bool defaults wrong: smart=%v vad=%v", *got.SmartFormat, *got.VADEvents)
	}
	if len(got.Keywords) != 1 || got.Keywords[0].Keyword != "murmur" {
		t.Errorf("Keywords = %v", got.Keywords)
	}
	got.Keywords[0].Keyword = "changed"
	if defaults.Keywords[0].Keyword != "murmur" {
		t.Error("merged keywords share storage with defaults")
	}

	sc := got.streamConfig()
	if sc.InterimResults || !sc.SmartFormat || sc.Language != "de-DE" || sc.EndpointingMs != 500 {
		t.Errorf("streamConfig() = %+v", sc)
	}
}

func TestSilenceAfter(t *testing.T) {
	t.Parallel()
	c := VoiceConfig{EndpointingMs: 300, UtteranceEndMs: 1000}
	if got := c.silenceAfter(true); got != 300*time.Millisecond {
		t.Errorf("after final = %v", got)
	}
	if got := c.silenceAfter(false); got != time.Second {
		t.Errorf("after interim = %v", got)
	}
	c.UtteranceEndMs = 100
	if got := c.silenceAfter(false); got != 300*time.Millisecond {
		t.Errorf("short utterance end = %v", got)
	}
}

// ─── construction ─────────────────────────────────────────────────────────────

func TestNew_RequiresMicrophone(t *testing.T) {
	t.Parallel()
	if _, err := New(Capabilities{}); err == nil {
		t.Fatal("expected error for nil microphone")
	}
}

func TestStartListening_NoRecognizer(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	svc, _ := newService(t, Capabilities{Microphone: mic})

	_, err := svc.StartListening(context.Background(), VoiceConfig{}, Callbacks{})
	if !errors.Is(err, ErrNoRecognizer) {
		t.Fatalf("err = %v, want ErrNoRecognizer", err)
	}
	if mic.OpenCount() != 0 {
		t.Errorf("microphone opened %d times", mic.OpenCount())
	}
}

// ─── cascade ──────────────────────────────────────────────────────────────────

func TestStartListening_SimulatedOnly(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	svc, reader := newService(t, Capabilities{
		Microphone: mic,
		Simulated:  recognition.NewSimulated(recognition.WithDelay(20 * time.Millisecond)),
	})
	rec := &recorder{}

	stream, err := svc.StartListening(context.Background(), VoiceConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if stream == nil {
		t.Fatal("nil stream")
	}
	if got := svc.State(); got != StateConnectedFallback {
		t.Errorf("State() = %s, want connected_fallback", got)
	}
	if !svc.IsListening() {
		t.Error("IsListening() = false")
	}

	waitFor(t, "turn end", func() bool { return len(rec.turns()) == 1 })
	results := rec.transcripts()
	last := results[len(results)-1]
	if !last.IsEndOfTurn || last.Transcript != recognition.DefaultSimulatedTranscript {
		t.Errorf("last result = %+v", last)
	}
	if last.TurnID != rec.turns()[0] {
		t.Errorf("OnTurnEnd id %q != result id %q", rec.turns()[0], last.TurnID)
	}
	if got := counter(t, reader, "murmur.turns", nil); got != 1 {
		t.Errorf("turns = %d, want 1", got)
	}

	svc.StopListening()
	if !stopped(stream) {
		t.Error("stream not stopped")
	}
	if svc.IsListening() || svc.State() != StateStopped {
		t.Errorf("after stop: listening=%v state=%s", svc.IsListening(), svc.State())
	}
}

func TestStartListening_FallsThroughToSimulated(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	local := &sttmock.Provider{StartStreamErr: errors.New("whisper: model not found")}
	cloud := &sttmock.Provider{
		StartStreamFunc: func(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
			return sttmock.NewReadySession(), nil
		},
	}
	svc, reader := newService(t, Capabilities{
		Microphone: mic,
		Local:      newLocal(t, local),
		Cloud:      newCloud(t, cloud, recognition.WithHandshakeTimeout(30*time.Millisecond)),
		Simulated:  recognition.NewSimulated(recognition.WithDelay(time.Hour)),
	})
	rec := &recorder{}

	stream, err := svc.StartListening(context.Background(), VoiceConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if stream == nil {
		t.Fatal("nil stream")
	}
	if got := svc.State(); got != StateConnectedFallback {
		t.Errorf("State() = %s, want connected_fallback", got)
	}
	if len(rec.failures()) != 0 {
		t.Errorf("OnError called: %v", rec.failures())
	}
	if local.CallCount() != 1 || cloud.CallCount() != 1 {
		t.Errorf("calls: local=%d cloud=%d", local.CallCount(), cloud.CallCount())
	}
	if got := mic.OpenCount(); got != 2 {
		t.Fatalf("microphone opened %d times, want 2", got)
	}
	if !stopped(mic.Streams[0]) {
		t.Error("stream used by the cloud attempt was not stopped")
	}
	if stopped(stream) {
		t.Error("returned stream is stopped")
	}

	for _, step := range []struct{ from, to string }{{"local", "cloud"}, {"cloud", "simulated"}} {
		if got := counter(t, reader, "murmur.recognition.fallbacks", map[string]string{"from": step.from, "to": step.to}); got != 1 {
			t.Errorf("fallbacks %s->%s = %d, want 1", step.from, step.to, got)
		}
	}
}

func TestStartListening_CloudWhenLocalFails(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	local := &sttmock.Provider{StartStreamErr: errors.New("engine unavailable")}
	cloud := &sttmock.Provider{}
	svc, _ := newService(t, Capabilities{
		Microphone: mic,
		Local:      newLocal(t, local),
		Cloud:      newCloud(t, cloud),
	})

	if _, err := svc.StartListening(context.Background(), VoiceConfig{}, Callbacks{}); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if got := svc.State(); got != StateConnectedSecondary {
		t.Errorf("State() = %s, want connected_secondary", got)
	}
	if mic.OpenCount() != 1 {
		t.Errorf("microphone opened %d times, want 1", mic.OpenCount())
	}
}

func TestStartListening_AllPathsFailWithoutSimulated(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	svc, _ := newService(t, Capabilities{
		Microphone: mic,
		Local:      newLocal(t, &sttmock.Provider{StartStreamErr: errors.New("boom")}),
	})
	rec := &recorder{}

	_, err := svc.StartListening(context.Background(), VoiceConfig{}, rec.callbacks())
	if !errors.Is(err, ErrNoRecognizer) {
		t.Fatalf("err = %v, want ErrNoRecognizer", err)
	}
	if len(rec.failures()) != 1 {
		t.Errorf("OnError calls = %d, want 1", len(rec.failures()))
	}
	if !stopped(mic.Streams[0]) {
		t.Error("stream not released")
	}
	if svc.State() != StateStopped {
		t.Errorf("State() = %s", svc.State())
	}
}

func TestStartListening_MicrophoneDenied(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{OpenErr: fmt.Errorf("host: %w", audio.ErrPermissionDenied)}
	local := &sttmock.Provider{}
	svc, _ := newService(t, Capabilities{
		Microphone: mic,
		Local:      newLocal(t, local),
		Simulated:  recognition.NewSimulated(),
	})
	rec := &recorder{}

	_, err := svc.StartListening(context.Background(), VoiceConfig{}, rec.callbacks())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	errs := rec.failures()
	if len(errs) != 1 || !errors.Is(errs[0], audio.ErrPermissionDenied) {
		t.Errorf("OnError = %v", errs)
	}
	if local.CallCount() != 0 {
		t.Error("local engine started without a stream")
	}
	if svc.IsListening() {
		t.Error("IsListening() = true")
	}
}

func TestStartListening_EngineDeniedIsFatal(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	local := &sttmock.Provider{StartStreamErr: stt.ErrPermissionDenied}
	cloud := &sttmock.Provider{}
	svc, _ := newService(t, Capabilities{
		Microphone: mic,
		Local:      newLocal(t, local),
		Cloud:      newCloud(t, cloud),
		Simulated:  recognition.NewSimulated(),
	})
	rec := &recorder{}

	_, err := svc.StartListening(context.Background(), VoiceConfig{}, rec.callbacks())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if cloud.CallCount() != 0 {
		t.Error("cascade continued after permission denial")
	}
	if len(rec.failures()) != 1 {
		t.Errorf("OnError calls = %d, want 1", len(rec.failures()))
	}
	if !stopped(mic.Streams[0]) {
		t.Error("stream not released")
	}
}

func TestStartListening_CancelledContext(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, Capabilities{
		Microphone: &audiomock.Microphone{},
		Simulated:  recognition.NewSimulated(),
	})
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.StartListening(ctx, VoiceConfig{}, rec.callbacks())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(rec.failures()) != 0 {
		t.Errorf("OnError called for cancellation: %v", rec.failures())
	}
	if svc.IsListening() {
		t.Error("IsListening() = true")
	}
}

func TestStartListening_SessionOutlivesStartContext(t *testing.T) {
	t.Parallel()
	local := &sttmock.Provider{}
	svc, _ := newService(t, Capabilities{
		Microphone: &audiomock.Microphone{},
		Local:      newLocal(t, local),
	})
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := svc.StartListening(ctx, fastTurns, rec.callbacks()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	cancel()

	local.LastSession().Emit(stt.Transcript{Text: "still here", IsFinal: true, SpeechFinal: true, Confidence: 1})
	waitFor(t, "turn end", func() bool { return len(rec.turns()) == 1 })
	if !svc.IsListening() {
		t.Error("session ended with the start context")
	}
}

func TestStartListening_Twice(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	svc, _ := newService(t, Capabilities{
		Microphone: mic,
		Local:      newLocal(t, &sttmock.Provider{}),
	})

	first, err := svc.StartListening(context.Background(), VoiceConfig{}, Callbacks{})
	if err != nil {
		t.Fatalf("StartListening #1: %v", err)
	}
	second, err := svc.StartListening(context.Background(), VoiceConfig{}, Callbacks{})
	if err != nil {
		t.Fatalf("StartListening #2: %v", err)
	}
	if !stopped(first) {
		t.Error("first stream still running")
	}
	if stopped(second) {
		t.Error("second stream stopped")
	}
	if mic.OpenCount() != 2 || svc.State() != StateConnectedPrimary {
		t.Errorf("opens=%d state=%s", mic.OpenCount(), svc.State())
	}
}

func TestStopListening_Idempotent(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, Capabilities{
		Microphone: &audiomock.Microphone{},
		Simulated:  recognition.NewSimulated(),
	})
	svc.StopListening()
	if _, err := svc.StartListening(context.Background(), VoiceConfig{}, Callbacks{}); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	svc.StopListening()
	svc.StopListening()
	if svc.IsListening() || svc.State() != StateStopped {
		t.Errorf("listening=%v state=%s", svc.IsListening(), svc.State())
	}
}

func TestStopListening_FromCallbacks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		hook func(stop func()) Callbacks
	}{
		{"OnTranscript", func(stop func()) Callbacks {
			return Callbacks{OnTranscript: func(turn.SpeechResult) { stop() }}
		}},
		{"OnTurnEnd", func(stop func()) Callbacks {
			return Callbacks{OnTurnEnd: func(string) { stop() }}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc, _ := newService(t, Capabilities{
				Microphone: &audiomock.Microphone{},
				Simulated:  recognition.NewSimulated(recognition.WithDelay(10 * time.Millisecond)),
			})
			returned := make(chan struct{})
			var once sync.Once
			stream, err := svc.StartListening(context.Background(), VoiceConfig{}, tt.hook(func() {
				svc.StopListening()
				once.Do(func() { close(returned) })
			}))
			if err != nil {
				t.Fatalf("StartListening: %v", err)
			}
			select {
			case <-returned:
			case <-time.After(3 * time.Second):
				t.Fatalf("StopListening inside %s did not return", tt.name)
			}
			if svc.IsListening() || svc.State() != StateStopped {
				t.Errorf("listening=%v state=%s", svc.IsListening(), svc.State())
			}
			if !stopped(stream) {
				t.Error("stream not stopped")
			}
		})
	}
}

func TestStartListening_FromCallbackRestarts(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	svc, _ := newService(t, Capabilities{
		Microphone: mic,
		Simulated:  recognition.NewSimulated(recognition.WithDelay(10 * time.Millisecond)),
	})
	restarted := make(chan error, 1)
	var once sync.Once
	cb := Callbacks{OnTurnEnd: func(string) {
		once.Do(func() {
			_, err := svc.StartListening(context.Background(), VoiceConfig{}, Callbacks{})
			restarted <- err
		})
	}}
	if _, err := svc.StartListening(context.Background(), VoiceConfig{}, cb); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	select {
	case err := <-restarted:
		if err != nil {
			t.Fatalf("StartListening from OnTurnEnd: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("StartListening inside OnTurnEnd did not return")
	}
	if !svc.IsListening() || mic.OpenCount() != 2 {
		t.Errorf("listening=%v opens=%d", svc.IsListening(), mic.OpenCount())
	}
}

func TestStartListening_OnErrorMayStopListening(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, Capabilities{
		Microphone: &audiomock.Microphone{OpenErr: audio.ErrPermissionDenied},
		Simulated:  recognition.NewSimulated(),
	})
	var calls int
	cb := Callbacks{OnError: func(error) {
		calls++
		svc.StopListening()
	}}

	returned := make(chan error, 1)
	go func() {
		_, err := svc.StartListening(context.Background(), VoiceConfig{}, cb)
		returned <- err
	}()
	select {
	case err := <-returned:
		if !errors.Is(err, audio.ErrPermissionDenied) {
			t.Errorf("err = %v, want ErrPermissionDenied", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("StartListening did not return when OnError stopped listening")
	}
	if calls != 1 {
		t.Errorf("OnError calls = %d, want 1", calls)
	}
}

func TestStartListening_ConcurrentCallsKeepOneStream(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	svc, _ := newService(t, Capabilities{
		Microphone: mic,
		Local:      newLocal(t, &sttmock.Provider{}),
	})

	const n = 8
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.StartListening(context.Background(), VoiceConfig{}, Callbacks{}); err != nil {
				t.Errorf("StartListening: %v", err)
			}
		}()
	}
	wg.Wait()

	running := 0
	for _, st := range mic.Streams {
		if !stopped(st) {
			running++
		}
	}
	if len(mic.Streams) != n || running != 1 {
		t.Errorf("opened %d streams, %d still running; want %d and 1", len(mic.Streams), running, n)
	}
	if !svc.IsListening() {
		t.Error("IsListening() = false")
	}
}

// ─── local path ───────────────────────────────────────────────────────────────

func TestLocal_TurnsAndSilenceFlush(t *testing.T) {
	t.Parallel()
	local := &sttmock.Provider{}
	svc, _ := newService(t, Capabilities{
		Microphone: &audiomock.Microphone{},
		Local:      newLocal(t, local),
	})
	rec := &recorder{}

	if _, err := svc.StartListening(context.Background(), fastTurns, rec.callbacks()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if got := svc.State(); got != StateConnectedPrimary {
		t.Fatalf("State() = %s, want connected_primary", got)
	}
	cfg := local.LastConfig()
	if cfg.SampleRate != 16000 || cfg.Channels != 1 || cfg.Language != "en-US" || cfg.Model != "nova-3" {
		t.Errorf("stream config = %+v", cfg)
	}

	sess := local.LastSession()
	sess.Emit(stt.Transcript{Text: "turn on", Confidence: 0.6})
	sess.Emit(stt.Transcript{Text: "turn on the lights", IsFinal: true, Confidence: 0.9})

	waitFor(t, "silence flush", func() bool { return len(rec.turns()) == 1 })
	results := rec.transcripts()
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3: %+v", len(results), results)
	}
	if results[0].IsFinal || results[0].Transcript != "turn on" {
		t.Errorf("interim = %+v", results[0])
	}
	eot := results[2]
	if !eot.IsEndOfTurn || eot.Transcript != "turn on the lights" || eot.TurnID == "" {
		t.Errorf("end of turn = %+v", eot)
	}

	// A provider end-of-speech closes the next turn without waiting.
	sess.Emit(stt.Transcript{Text: "thanks", IsFinal: true, SpeechFinal: true, Confidence: 1})
	waitFor(t, "second turn", func() bool { return len(rec.turns()) == 2 })
	if ids := rec.turns(); ids[0] == ids[1] {
		t.Errorf("turn IDs repeat: %v", ids)
	}
}

func TestLocal_MidSessionFailover(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	local := &sttmock.Provider{}
	cloud := &sttmock.Provider{}
	svc, reader := newService(t, Capabilities{
		Microphone: mic,
		Local:      newLocal(t, local),
		Cloud:      newCloud(t, cloud),
	})
	rec := &recorder{}

	if _, err := svc.StartListening(context.Background(), fastTurns, rec.callbacks()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	local.LastSession().Emit(stt.Transcript{Text: "half a sen", Confidence: 0.5})
	local.LastSession().End(errors.New("engine crashed"))

	waitFor(t, "cloud session", func() bool { return svc.State() == StateConnectedSecondary })
	if mic.OpenCount() != 1 {
		t.Errorf("microphone opened %d times, want 1", mic.OpenCount())
	}
	if counter(t, reader, "murmur.recognition.fallbacks", map[string]string{"from": "local", "to": "cloud"}) != 1 {
		t.Error("failover not counted")
	}

	cloud.LastSession().Emit(stt.Transcript{Text: "hello cloud", IsFinal: true, SpeechFinal: true, Confidence: 1})
	waitFor(t, "turn end", func() bool { return len(rec.turns()) == 1 })
	results := rec.transcripts()
	if got := results[len(results)-1].Transcript; got != "hello cloud" {
		t.Errorf("turn transcript = %q; abandoned interim leaked", got)
	}
	if len(rec.failures()) != 0 {
		t.Errorf("OnError called: %v", rec.failures())
	}
}

func TestLocal_SilenceKeepsListening(t *testing.T) {
	t.Parallel()
	local := &sttmock.Provider{Created: make(chan *sttmock.Session, 16)}
	go func() {
		for range 8 {
			select {
			case sess := <-local.Created:
				sess.End(stt.ErrNoSpeech)
			case <-t.Context().Done():
				return
			}
		}
	}()
	svc, reader := newService(t, Capabilities{
		Microphone: &audiomock.Microphone{},
		Local: newLocal(t, local,
			recognition.WithMaxRestarts(1),
			recognition.WithRestartBackoff(time.Millisecond)),
		Simulated: recognition.NewSimulated(),
	})
	rec := &recorder{}

	if _, err := svc.StartListening(context.Background(), VoiceConfig{}, rec.callbacks()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	waitFor(t, "ninth engine session", func() bool {
		last := local.LastSession()
		return local.CallCount() == 9 && last != nil && !last.Ended()
	})
	if errs := rec.failures(); len(errs) != 0 {
		t.Fatalf("OnError = %v, want silent restarts", errs)
	}
	if !svc.IsListening() || svc.State() != StateConnectedPrimary {
		t.Errorf("listening=%v state=%s", svc.IsListening(), svc.State())
	}
	if got := counter(t, reader, "murmur.recognition.fallbacks", nil); got != 0 {
		t.Errorf("fallbacks = %d, want 0", got)
	}

	local.LastSession().Emit(stt.Transcript{Text: "are you there", IsFinal: true, SpeechFinal: true, Confidence: 1})
	waitFor(t, "turn after silence", func() bool { return len(rec.turns()) == 1 })
}

func TestLocal_RestartsExhausted(t *testing.T) {
	t.Parallel()
	first := sttmock.NewSession()
	var (
		mu    sync.Mutex
		calls int
	)
	local := &sttmock.Provider{StartStreamFunc: func(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return first, nil
		}
		return nil, stt.ErrNetwork
	}}
	svc, _ := newService(t, Capabilities{
		Microphone: &audiomock.Microphone{},
		Local: newLocal(t, local,
			recognition.WithMaxRestarts(2),
			recognition.WithRestartBackoff(time.Millisecond)),
		Simulated: recognition.NewSimulated(),
	})
	rec := &recorder{}

	if _, err := svc.StartListening(context.Background(), VoiceConfig{}, rec.callbacks()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	first.End(stt.ErrNoSpeech)
	waitFor(t, "fatal error", func() bool { return len(rec.failures()) == 1 })
	if err := rec.failures()[0]; !errors.Is(err, recognition.ErrRestartsExhausted) {
		t.Errorf("err = %v, want ErrRestartsExhausted", err)
	}
	waitFor(t, "stopped", func() bool { return svc.State() == StateStopped })
	if svc.IsListening() {
		t.Error("IsListening() = true")
	}
	if local.CallCount() != 3 {
		t.Errorf("engine starts = %d, want 3", local.CallCount())
	}
}

func TestLocal_OnErrorMayStopListening(t *testing.T) {
	t.Parallel()
	local := &sttmock.Provider{}
	svc, _ := newService(t, Capabilities{
		Microphone: &audiomock.Microphone{},
		Local:      newLocal(t, local),
	})
	returned := make(chan error, 1)
	cb := Callbacks{OnError: func(err error) {
		svc.StopListening()
		returned <- err
	}}

	if _, err := svc.StartListening(context.Background(), VoiceConfig{}, cb); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	local.LastSession().End(stt.ErrPermissionDenied)
	select {
	case err := <-returned:
		if !errors.Is(err, audio.ErrPermissionDenied) {
			t.Errorf("err = %v, want ErrPermissionDenied", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("StopListening inside OnError did not return")
	}
	if svc.IsListening() || svc.State() != StateStopped {
		t.Errorf("listening=%v state=%s", svc.IsListening(), svc.State())
	}
}

// ─── failover ordering ────────────────────────────────────────────────────────

// staticSession is a recognition session that is closed only by Close.
type staticSession struct {
	results chan stt.Transcript
	once    sync.Once
}

func (f *staticSession) Results() <-chan stt.Transcript       { return f.results }
func (f *staticSession) Err() error                           { return nil }
func (f *staticSession) SetKeywords([]stt.KeywordBoost) error { return nil }
func (f *staticSession) Close() error {
	f.once.Do(func() { close(f.results) })
	return nil
}

func TestFailover_AbandonedPathIsNeverDelivered(t *testing.T) {
	t.Parallel()
	local := &sttmock.Provider{}
	cloud := &sttmock.Provider{}
	svc, _ := newService(t, Capabilities{
		Microphone: &audiomock.Microphone{},
		Local:      newLocal(t, local),
		Cloud:      newCloud(t, cloud),
	})
	rec := &recorder{}

	if _, err := svc.StartListening(context.Background(), VoiceConfig{EndpointingMs: 5000, UtteranceEndMs: 5000}, rec.callbacks()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	svc.mu.Lock()
	l := svc.cur
	localGen := l.gen
	svc.mu.Unlock()

	engine := local.LastSession()
	engine.End(errors.New("engine crashed"))
	waitFor(t, "cloud path committed", func() bool {
		return l.live.Load() != localGen && cloud.LastSession() != nil
	})

	// The abandoned engine and a dispatcher still bound to its generation
	// both try to deliver after the cloud path has been committed.
	engine.Emit(stt.Transcript{Text: "late engine words", IsFinal: true, SpeechFinal: true})
	late := &staticSession{results: make(chan stt.Transcript, 1)}
	late.results <- stt.Transcript{Text: "late engine words", IsFinal: true, SpeechFinal: true}
	done := make(chan struct{})
	go svc.dispatch(l, localGen, connection{kind: recognition.KindLocal, name: "local", session: late}, done)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("abandoned dispatcher kept running")
	}
	_ = late.Close()

	sess := cloud.LastSession()
	sess.Emit(stt.Transcript{Text: "open", Confidence: 0.4})
	sess.Emit(stt.Transcript{Text: "open the", Confidence: 0.5})
	sess.Emit(stt.Transcript{Text: "open the door", IsFinal: true, SpeechFinal: true, Confidence: 0.9})
	waitFor(t, "turn end", func() bool { return len(rec.turns()) == 1 })

	results := rec.transcripts()
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3: %+v", len(results), results)
	}
	for i, r := range results {
		if r.Transcript == "late engine words" {
			t.Errorf("result %d came from the abandoned path: %+v", i, r)
		}
		if last := i == len(results)-1; r.IsEndOfTurn != last {
			t.Errorf("result %d IsEndOfTurn = %v; interims must precede the terminal result", i, r.IsEndOfTurn)
		}
	}
	if results[0].Transcript != "open" || results[1].Transcript != "open the" {
		t.Errorf("interims out of order: %+v", results[:2])
	}
	if eot := results[2]; eot.Transcript != "open the door" || eot.TurnID != rec.turns()[0] {
		t.Errorf("end of turn = %+v, turn ids = %v", eot, rec.turns())
	}
	if svc.State() != StateConnectedSecondary {
		t.Errorf("State() = %s after abandoned path, want connected_secondary", svc.State())
	}
}

// ─── keywords ─────────────────────────────────────────────────────────────────

func TestSetKeywords(t *testing.T) {
	t.Parallel()
	local := &sttmock.Provider{}
	svc, _ := newService(t, Capabilities{
		Microphone: &audiomock.Microphone{},
		Local:      newLocal(t, local),
	})
	kw := []stt.KeywordBoost{{Keyword: "Kubernetes", Boost: 2}}

	if err := svc.SetKeywords(kw); err != nil {
		t.Fatalf("SetKeywords before start: %v", err)
	}
	if _, err := svc.StartListening(context.Background(), VoiceConfig{}, Callbacks{}); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if got := local.LastConfig().Keywords; len(got) != 1 || got[0].Keyword != "Kubernetes" {
		t.Errorf("start keywords = %v", got)
	}

	if err := svc.SetKeywords([]stt.KeywordBoost{{Keyword: "Helm", Boost: 1}}); err != nil {
		t.Fatalf("SetKeywords: %v", err)
	}
	if got := local.LastSession().KeywordCallCount(); got != 1 {
		t.Errorf("session keyword calls = %d, want 1", got)
	}
}

func TestSetKeywords_NotSupported(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, Capabilities{
		Microphone: &audiomock.Microphone{},
		Simulated:  recognition.NewSimulated(),
	})
	if _, err := svc.StartListening(context.Background(), VoiceConfig{}, Callbacks{}); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if err := svc.SetKeywords(nil); !errors.Is(err, stt.ErrNotSupported) {
		t.Errorf("err = %v, want ErrNotSupported", err)
	}
}

// ─── speech ───────────────────────────────────────────────────────────────────

func TestSpeak_WithoutSynthesizer(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, Capabilities{Microphone: &audiomock.Microphone{}})
	if err := svc.Speak(context.Background(), "hi", speech.Characteristics{}); !errors.Is(err, speech.ErrNoSynthesizer) {
		t.Errorf("Speak err = %v", err)
	}
	if _, err := svc.ListAvailableVoices(context.Background()); !errors.Is(err, speech.ErrNoSynthesizer) {
		t.Errorf("ListAvailableVoices err = %v", err)
	}
}

func TestListAvailableVoices(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{ListVoicesResult: []tts.VoiceProfile{{ID: "a"}, {ID: "b"}}}
	synth, err := speech.New(p, &audiomock.Speaker{})
	if err != nil {
		t.Fatalf("speech.New: %v", err)
	}
	svc, _ := newService(t, Capabilities{Microphone: &audiomock.Microphone{}, Synthesizer: synth})

	ids, err := svc.ListAvailableVoices(context.Background())
	if err != nil {
		t.Fatalf("ListAvailableVoices: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("ids = %v", ids)
	}
}

// speakingService starts a local session with a synthesizer whose utterances
// play until cancelled.
func speakingService(t *testing.T, opts ...Option) (*Service, *sttmock.Provider, *speech.Synthesizer, *audiomock.Speaker, *sdkmetric.ManualReader) {
	t.Helper()
	m, reader := newTestMetrics(t)
	spk := &audiomock.Speaker{Started: make(chan struct{}, 1)}
	tp := &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 320)}, Hold: make(chan struct{})}
	synth, err := speech.New(tp, spk, speech.WithMetrics(m))
	if err != nil {
		t.Fatalf("speech.New: %v", err)
	}
	local := &sttmock.Provider{}
	svc, err := New(Capabilities{
		Microphone:  &audiomock.Microphone{},
		Local:       newLocal(t, local),
		Synthesizer: synth,
	}, append([]Option{WithMetrics(m)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(svc.StopListening)
	if _, err := svc.StartListening(context.Background(), VoiceConfig{}, Callbacks{}); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	return svc, local, synth, spk, reader
}

func TestBargeIn_SpeechStartedCancelsUtterance(t *testing.T) {
	t.Parallel()
	svc, local, synth, spk, reader := speakingService(t)

	errc := make(chan error, 1)
	go func() { errc <- svc.Speak(context.Background(), "Let me explain.", speech.Characteristics{}) }()
	<-spk.Started

	local.LastSession().Emit(stt.Transcript{Event: stt.EventSpeechStarted})
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Speak returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("utterance not interrupted")
	}
	if synth.Speaking() {
		t.Error("still speaking")
	}
	if got := counter(t, reader, "murmur.speech.interruptions", map[string]string{"reason": speech.ReasonBargeIn}); got != 1 {
		t.Errorf("barge-in interruptions = %d, want 1", got)
	}
}

func TestBargeIn_Disabled(t *testing.T) {
	t.Parallel()
	svc, local, synth, spk, _ := speakingService(t, WithBargeIn(false))

	errc := make(chan error, 1)
	go func() { errc <- svc.Speak(context.Background(), "Let me explain.", speech.Characteristics{}) }()
	<-spk.Started

	local.LastSession().Emit(stt.Transcript{Event: stt.EventSpeechStarted})
	time.Sleep(50 * time.Millisecond)
	if !synth.Speaking() {
		t.Fatal("utterance interrupted with barge-in disabled")
	}

	// Stopping the session cancels speech regardless.
	svc.StopListening()
	if err := <-errc; err != nil {
		t.Errorf("Speak returned %v", err)
	}
}

// ─── activity ─────────────────────────────────────────────────────────────────

func TestActivity_ReportsLoudAudio(t *testing.T) {
	t.Parallel()
	mic := &audiomock.Microphone{}
	svc, reader := newService(t, Capabilities{
		Microphone: mic,
		Simulated:  recognition.NewSimulated(recognition.WithDelay(time.Hour)),
	}, WithActivityOptions(activity.WithInterval(5*time.Millisecond)))
	rec := &recorder{}

	if _, err := svc.StartListening(context.Background(), VoiceConfig{}, rec.callbacks()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	loud := make([]byte, 640)
	for i := 0; i < len(loud); i += 2 {
		loud[i], loud[i+1] = 0x00, 0x40 // 16384
	}
	stream := mic.LastStream()
	waitFor(t, "activity", func() bool {
		stream.Publish(audio.AudioFrame{Data: loud, SampleRate: 16000, Channels: 1})
		return rec.sawActivity(true)
	})
	if got := counter(t, reader, "murmur.vad.activity", map[string]string{"active": "true"}); got < 1 {
		t.Errorf("activity transitions = %d", got)
	}
}
