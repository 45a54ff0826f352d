package resilience

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/provider/tts"
	ttsmock "github.com/MrWong99/murmur/pkg/provider/tts/mock"
)

// speak sends one sentence through f and drains the audio.
func speak(t *testing.T, f *TTSFallback, sentence string) ([][]byte, error) {
	t.Helper()
	text := make(chan string, 1)
	text <- sentence
	close(text)
	audio, err := f.SynthesizeStream(context.Background(), text, tts.VoiceProfile{ID: "narrator", Provider: "test"})
	if err != nil {
		return nil, err
	}
	var chunks [][]byte
	for c := range audio {
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// waitText waits until p has read exactly the given sentences.
func waitText(t *testing.T, p *ttsmock.Provider, want ...string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !slices.Equal(p.ReceivedText(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("text = %q, want %q", p.ReceivedText(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

// clock is a settable time source for breaker tests.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ─── selection ───────────────────────────────────────────────────────────────

func TestTTSFallback_HealthyPrimaryKeepsFallbackIdle(t *testing.T) {
	t.Parallel()
	cloud := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("pcm-1"), []byte("pcm-2")}}
	local := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("local")}}

	f := NewTTSFallback(cloud, "elevenlabs")
	f.AddFallback("coqui", local)

	chunks, err := speak(t, f, "The kettle is boiling.")
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if len(chunks) != 2 || string(chunks[0]) != "pcm-1" {
		t.Fatalf("chunks = %q, want the primary's two chunks", chunks)
	}
	if got := cloud.LastVoice().ID; got != "narrator" {
		t.Errorf("primary voice = %q, want narrator", got)
	}
	waitText(t, cloud, "The kettle is boiling.")
	if n := local.CallCount(); n != 0 {
		t.Errorf("fallback called %d times, want 0", n)
	}
}

func TestTTSFallback_BackendsInRegistrationOrder(t *testing.T) {
	t.Parallel()
	f := NewTTSFallback(&ttsmock.Provider{}, "elevenlabs")
	f.AddFallback("coqui", &ttsmock.Provider{})
	f.AddFallback("espeak", &ttsmock.Provider{})

	if got, want := f.Backends(), []string{"elevenlabs", "coqui", "espeak"}; !slices.Equal(got, want) {
		t.Errorf("Backends() = %v, want %v", got, want)
	}
}

func TestTTSFallback_SetupFailureMovesToNextBackend(t *testing.T) {
	t.Parallel()
	cloud := &ttsmock.Provider{SynthesizeErr: errors.New("401 invalid api key")}
	local := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("local")}}

	f := NewTTSFallback(cloud, "elevenlabs")
	f.AddFallback("coqui", local)

	chunks, err := speak(t, f, "Turn left at the bakery.")
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if len(chunks) != 1 || string(chunks[0]) != "local" {
		t.Fatalf("chunks = %q, want the fallback's audio", chunks)
	}
	waitText(t, local, "Turn left at the bakery.")
}

func TestTTSFallback_ListVoicesFromFirstAnsweringBackend(t *testing.T) {
	t.Parallel()
	cloud := &ttsmock.Provider{ListVoicesErr: errors.New("503 from catalogue")}
	local := &ttsmock.Provider{ListVoicesResult: []tts.VoiceProfile{{ID: "p225", Name: "Ellen"}, {ID: "p226", Name: "Tom"}}}

	f := NewTTSFallback(cloud, "elevenlabs")
	f.AddFallback("coqui", local)

	voices, err := f.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 || voices[0].ID != "p225" {
		t.Fatalf("voices = %+v, want the fallback's catalogue", voices)
	}
}

// ─── failure ─────────────────────────────────────────────────────────────────

func TestTTSFallback_AllBackendsDown(t *testing.T) {
	t.Parallel()
	quota := errors.New("quota exceeded")
	offline := errors.New("coqui server unreachable")

	f := NewTTSFallback(&ttsmock.Provider{SynthesizeErr: quota}, "elevenlabs")
	f.AddFallback("coqui", &ttsmock.Provider{SynthesizeErr: offline})

	_, err := speak(t, f, "Hello.")
	if !errors.Is(err, ErrNoSynthesizer) {
		t.Fatalf("err = %v, want ErrNoSynthesizer", err)
	}
	if !errors.Is(err, offline) {
		t.Errorf("err = %v, want the last backend's error wrapped", err)
	}
	if errors.Is(err, quota) {
		t.Errorf("err = %v, should not carry the first backend's error", err)
	}
}

func TestTTSFallback_CancelledCallStopsCascade(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cloud := &ttsmock.Provider{SynthesizeErr: context.Canceled}
	local := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("local")}}

	f := NewTTSFallback(cloud, "elevenlabs")
	f.AddFallback("coqui", local)

	text := make(chan string)
	close(text)
	if _, err := f.SynthesizeStream(ctx, text, tts.VoiceProfile{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := local.CallCount(); n != 0 {
		t.Errorf("fallback called %d times after cancellation, want 0", n)
	}
}

func TestTTSFallback_FailuresCountAsProviderErrors(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := NewTTSFallback(&ttsmock.Provider{SynthesizeErr: errors.New("429 too many requests")}, "elevenlabs", WithTTSMetrics(m))
	f.AddFallback("coqui", &ttsmock.Provider{})
	for range 2 {
		if _, err := speak(t, f, "Again."); err != nil {
			t.Fatalf("SynthesizeStream: %v", err)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "murmur.provider.errors" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				if v, _ := dp.Attributes.Value("provider"); v.AsString() == "elevenlabs" {
					total += dp.Value
				}
			}
		}
	}
	if total != 2 {
		t.Errorf("elevenlabs provider errors = %d, want 2", total)
	}
}

// ─── breakers ────────────────────────────────────────────────────────────────

func TestTTSFallback_OpenBreakerSkipsPrimaryUntilReset(t *testing.T) {
	t.Parallel()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	cloud := &ttsmock.Provider{SynthesizeErr: errors.New("quota exceeded")}
	local := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("local")}}

	f := NewTTSFallback(cloud, "elevenlabs", WithTTSBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Minute,
		HalfOpenMax:  1,
		Now:          clk.Now,
	}))
	f.AddFallback("coqui", local)

	for i := range 4 {
		if _, err := speak(t, f, "Sentence."); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if n := cloud.CallCount(); n != 2 {
		t.Fatalf("primary called %d times, want 2 before its breaker opened", n)
	}
	if n := local.CallCount(); n != 4 {
		t.Errorf("fallback called %d times, want 4", n)
	}

	// Quota restored; after the reset timeout the primary gets a trial call.
	cloud.Reset()
	cloud.SynthesizeErr = nil
	cloud.SynthesizeChunks = [][]byte{[]byte("cloud")}
	clk.Advance(time.Minute)

	chunks, err := speak(t, f, "Back online.")
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if len(chunks) != 1 || string(chunks[0]) != "cloud" {
		t.Fatalf("chunks = %q, want the recovered primary's audio", chunks)
	}
	if n := local.CallCount(); n != 4 {
		t.Errorf("fallback called %d times, want still 4", n)
	}
}
