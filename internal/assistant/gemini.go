package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const (
	// SpeechSampleRate is the PCM rate of the speech model output.
	SpeechSampleRate = 24000
	defaultVoice     = "Kore"
)

// Option configures a Gemini client.
type Option func(*Gemini)

// WithHTTPClient sets the HTTP client used for model calls.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gemini) { g.http = c }
}

// WithBaseURL points the client at another API root.
func WithBaseURL(u string) Option {
	return func(g *Gemini) { g.baseURL = u }
}

// Gemini implements Summarizer and Speaker with the Gen AI SDK.
type Gemini struct {
	models    *genai.Models
	textModel string
	ttsModel  string
	baseURL   string
	http      *http.Client
	log       zerolog.Logger
}

// NewGemini returns a client. An empty apiKey is a configuration error;
// callers that want the assistant off simply do not construct one.
func NewGemini(ctx context.Context, apiKey, textModel, ttsModel string, logger zerolog.Logger, opts ...Option) (*Gemini, error) {
	if apiKey == "" {
		return nil, ErrDisabled
	}
	g := &Gemini{
		textModel: textModel,
		ttsModel:  ttsModel,
		http:      &http.Client{Timeout: 60 * time.Second},
		log:       logger,
	}
	for _, o := range opts {
		o(g)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  g.http,
		HTTPOptions: genai.HTTPOptions{BaseURL: g.baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	g.models = client.Models
	return g, nil
}

// Summarize asks the text model for a short summary of n.
func (g *Gemini) Summarize(ctx context.Context, n Note) (string, error) {
	resp, err := g.generate(ctx, g.textModel, genai.Text(n.Prompt()), nil)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("gemini: empty summary")
	}
	return text, nil
}

// Speak asks the speech model to read text aloud.
func (g *Gemini) Speak(ctx context.Context, text string) (*Audio, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("gemini: nothing to speak")
	}
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: defaultVoice},
			},
		},
	}
	resp, err := g.generate(ctx, g.ttsModel, genai.Text(text), cfg)
	if err != nil {
		return nil, err
	}
	pcm := firstAudio(resp)
	if len(pcm) == 0 {
		return nil, fmt.Errorf("gemini: response carries no audio")
	}
	return &Audio{PCM: pcm, SampleRate: SpeechSampleRate, Channels: 1}, nil
}

func (g *Gemini) generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	start := time.Now()
	resp, err := g.models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			g.log.Warn().Str("model", model).Int("code", apiErr.Code).Str("status", apiErr.Status).Msg("gemini call rejected")
			return nil, fmt.Errorf("gemini: %s: %s", model, apiErr.Message)
		}
		return nil, fmt.Errorf("gemini: %s: %w", model, err)
	}
	g.log.Debug().Str("model", model).Dur("latency", time.Since(start)).Msg("gemini call")
	return resp, nil
}

func firstAudio(resp *genai.GenerateContentResponse) []byte {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && p.InlineData != nil {
			return p.InlineData.Data
		}
	}
	return nil
}
