package assistant

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNote_Prompt(t *testing.T) {
	n := Note{PatientName: "Mona", Age: 54, Diagnosis: "Type 2 Diabetes", Medications: []string{"Insulin Lantus (4 pens (1200 units))", "Metformin 500mg (30 tablets)"}}
	p := n.Prompt()
	for _, want := range []string{"Patient: Mona, Age: 54.", "Diagnosis: Type 2 Diabetes.", "Insulin Lantus (4 pens (1200 units)), Metformin", "insulin dose"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
}

func TestNewGemini_RequiresKey(t *testing.T) {
	if _, err := NewGemini(context.Background(), "", "m", "t", zerolog.Nop()); err != ErrDisabled {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}

// sentRequest is the part of a generateContent body the tests inspect.
type sentRequest struct {
	Contents []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
	GenerationConfig *struct {
		ResponseModalities []string `json:"responseModalities"`
		SpeechConfig       struct {
			VoiceConfig struct {
				PrebuiltVoiceConfig struct {
					VoiceName string `json:"voiceName"`
				} `json:"prebuiltVoiceConfig"`
			} `json:"voiceConfig"`
		} `json:"speechConfig"`
	} `json:"generationConfig"`
}

// fakeGemini answers generateContent calls with canned bodies per model.
func fakeGemini(t *testing.T, status int, bodies map[string]string) (*httptest.Server, *[]sentRequest) {
	t.Helper()
	var seen []sentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "key" {
			t.Errorf("missing api key header")
		}
		var req sentRequest
		json.NewDecoder(r.Body).Decode(&req)
		seen = append(seen, req)
		for model, body := range bodies {
			if strings.Contains(r.URL.Path, "/models/"+model+":generateContent") {
				w.WriteHeader(status)
				io.WriteString(w, body)
				return
			}
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestGemini_Summarize(t *testing.T) {
	srv, seen := fakeGemini(t, http.StatusOK, map[string]string{
		"text-model": `{"candidates":[{"content":{"parts":[{"text":" ملخص "},{"text":"قصير"}]}}]}`,
	})
	g, _ := NewGemini(context.Background(), "key", "text-model", "tts-model", zerolog.Nop(), WithBaseURL(srv.URL+"/"))

	got, err := g.Summarize(context.Background(), Note{PatientName: "Mona", Age: 54, Diagnosis: "T2"})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "ملخص قصير" {
		t.Errorf("unexpected summary %q", got)
	}
	if len(*seen) != 1 || !strings.Contains((*seen)[0].Contents[0].Parts[0].Text, "Patient: Mona") {
		t.Errorf("unexpected request %+v", *seen)
	}
}

func TestGemini_SummarizeAPIError(t *testing.T) {
	srv, _ := fakeGemini(t, http.StatusTooManyRequests, map[string]string{
		"text-model": `{"error":{"code":429,"message":"quota exceeded"}}`,
	})
	g, _ := NewGemini(context.Background(), "key", "text-model", "tts-model", zerolog.Nop(), WithBaseURL(srv.URL))

	_, err := g.Summarize(context.Background(), Note{})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected quota error, got %v", err)
	}
}

func TestGemini_Speak(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	body := `{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"audio/L16;rate=24000","data":"` +
		base64.StdEncoding.EncodeToString(pcm) + `"}}]}}]}`
	srv, seen := fakeGemini(t, http.StatusOK, map[string]string{"tts-model": body})
	g, _ := NewGemini(context.Background(), "key", "text-model", "tts-model", zerolog.Nop(), WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	audio, err := g.Speak(context.Background(), "ملخص")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if !bytes.Equal(audio.PCM, pcm) || audio.SampleRate != SpeechSampleRate || audio.Channels != 1 {
		t.Errorf("unexpected audio %+v", audio)
	}
	cfg := (*seen)[0].GenerationConfig
	if cfg == nil || len(cfg.ResponseModalities) == 0 || cfg.ResponseModalities[0] != "AUDIO" || cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Kore" {
		t.Errorf("unexpected generation config %+v", cfg)
	}

	if _, err := g.Speak(context.Background(), "  "); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestGemini_SpeakWithoutAudio(t *testing.T) {
	srv, _ := fakeGemini(t, http.StatusOK, map[string]string{"tts-model": `{"candidates":[]}`})
	g, _ := NewGemini(context.Background(), "key", "text-model", "tts-model", zerolog.Nop(), WithBaseURL(srv.URL))
	if _, err := g.Speak(context.Background(), "x"); err == nil {
		t.Error("expected error when no audio is returned")
	}
}

func TestAudio_WriteWAV(t *testing.T) {
	a := &Audio{PCM: make([]byte, 48000), SampleRate: SpeechSampleRate, Channels: 1}
	if ms := a.DurationMillis(); ms != 1000 {
		t.Errorf("expected 1000ms, got %d", ms)
	}

	var buf bytes.Buffer
	if err := a.WriteWAV(&buf); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	out := buf.Bytes()
	if len(out) != 44+48000 {
		t.Fatalf("unexpected size %d", len(out))
	}
	if string(out[0:4]) != "RIFF" || string(out[8:12]) != "WAVE" || string(out[36:40]) != "data" {
		t.Errorf("bad header %q", out[:44])
	}
	if rate := binary.LittleEndian.Uint32(out[24:28]); rate != SpeechSampleRate {
		t.Errorf("unexpected sample rate %d", rate)
	}
	if size := binary.LittleEndian.Uint32(out[40:44]); size != 48000 {
		t.Errorf("unexpected data size %d", size)
	}
}

func TestAudio_Release(t *testing.T) {
	a := &Audio{PCM: []byte{0, 0}, SampleRate: SpeechSampleRate, Channels: 1}
	a.Release()
	a.Release()
	if !a.Released() || a.PCM != nil {
		t.Error("audio must be released")
	}
	if err := a.WriteWAV(io.Discard); err == nil {
		t.Error("expected error writing released audio")
	}
}
