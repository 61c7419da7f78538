package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/webcmdk/sidepanel/internal/protocol"
)

// Turn is one prior conversation message in provider call form.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Chunk is one element of the streamed reply: a text delta, or the error
// that ended the stream early. The channel closes after the final chunk.
type Chunk struct {
	Delta string
	Err   error
}

// Streamer drives one model's streaming chat calls through the billing
// router. All providers ride the same OpenAI-compatible wire, selected by
// model id; the provider tag gates catalog validity only.
type Streamer struct {
	httpClient *http.Client
	routerURL  string
	token      string
	model      Model
}

// NewStreamer validates the selection and binds it to an access token.
func NewStreamer(model Model, token, routerURL string) (*Streamer, error) {
	if err := ValidateProvider(model.Provider); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, &protocol.ProviderError{Provider: model.Provider, Err: fmt.Errorf("no access token")}
	}
	return &Streamer{
		httpClient: &http.Client{Timeout: 5 * time.Minute}, // long timeout for streaming
		routerURL:  strings.TrimRight(routerURL, "/"),
		token:      token,
		model:      model,
	}, nil
}

// Stream starts the model call and returns an ordered, finite sequence of
// text deltas. Setup failures return an error directly; mid-stream failures
// arrive as a final chunk with Err set.
func (s *Streamer) Stream(ctx context.Context, system string, history []Turn) (<-chan Chunk, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, turn := range history {
		switch turn.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}

	body, err := json.Marshal(map[string]interface{}{
		"model":    s.model.ModelID,
		"messages": messages,
		"stream":   true,
	})
	if err != nil {
		return nil, &protocol.ProviderError{Provider: s.model.Provider, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.routerURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &protocol.ProviderError{Provider: s.model.Provider, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &protocol.ProviderError{Provider: s.model.Provider, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, &protocol.ProviderError{
			Provider: s.model.Provider,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(detail)),
		}
	}

	chunks := make(chan Chunk, 10)
	go s.consume(resp, chunks)
	return chunks, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (s *Streamer) consume(resp *http.Response, chunks chan<- Chunk) {
	defer close(chunks)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Unknown event shapes are skipped, not fatal.
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			chunks <- Chunk{Delta: chunk.Choices[0].Delta.Content}
		}
	}

	if err := scanner.Err(); err != nil {
		chunks <- Chunk{Err: &protocol.ProviderError{Provider: s.model.Provider, Err: err}}
	}
}
